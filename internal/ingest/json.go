package ingest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"

	"github.com/sells-group/contact-reveal/internal/model"
)

// parseJSONArray decodes a top-level array. Elements that are not objects
// are counted as malformed; a syntax error fails the whole file.
func parseJSONArray(data []byte) ([]Row, int, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		if err == io.EOF {
			return nil, 0, nil
		}
		return nil, 0, eris.Wrap(err, "json: read opening token")
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return nil, 0, eris.Errorf("json: expected '[', got %v", tok)
	}

	var rows []Row
	malformed := 0
	for i := 0; dec.More(); i++ {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, 0, eris.Wrapf(err, "json: decode element %d", i)
		}
		fields, ok := decodeObject(raw)
		if !ok {
			malformed++
			continue
		}
		rows = append(rows, Row{Index: i, Fields: fields})
	}

	if _, err := dec.Token(); err != nil && err != io.EOF {
		return nil, 0, eris.Wrap(err, "json: read closing token")
	}
	return rows, malformed, nil
}

// parseJSONLines decodes one object per line. Blank lines are ignored and
// unparsable lines are counted as malformed.
func parseJSONLines(data []byte) ([]Row, int) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var rows []Row
	malformed := 0
	index := 0
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		fields, ok := decodeObject(line)
		if ok {
			rows = append(rows, Row{Index: index, Fields: fields})
		} else {
			malformed++
		}
		index++
	}
	if sc.Err() != nil {
		malformed++
	}
	return rows, malformed
}

// decodeObject decodes a JSON object into fields, keeping key order.
func decodeObject(raw []byte) ([]model.Field, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, false
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, false
	}

	var fields []model.Field
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, false
		}
		key, ok := tok.(string)
		if !ok {
			return nil, false
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, false
		}
		fields = append(fields, model.Field{Key: key, Value: v})
	}
	if _, err := dec.Token(); err != nil {
		return nil, false
	}
	if dec.More() {
		return nil, false
	}
	return fields, true
}
