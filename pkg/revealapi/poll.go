package revealapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/contact-reveal/internal/resilience"
)

const (
	defaultPollInitial = 2 * time.Second
	defaultPollCap     = 15 * time.Second
	defaultPollTimeout = 5 * time.Minute
)

// Job states reported by GET /v1/jobs/{id}.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// PollOption configures polling behavior.
type PollOption func(*pollConfig)

type pollConfig struct {
	initial time.Duration
	cap     time.Duration
	timeout time.Duration
	retry   resilience.RetryConfig
}

func defaultPollConfig() pollConfig {
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("revealapi", "poll_job")
	return pollConfig{
		initial: defaultPollInitial,
		cap:     defaultPollCap,
		timeout: defaultPollTimeout,
		retry:   retry,
	}
}

// WithPollInterval overrides the initial poll interval.
func WithPollInterval(d time.Duration) PollOption {
	return func(c *pollConfig) {
		if d > 0 {
			c.initial = d
		}
	}
}

// WithPollCap overrides the maximum poll interval.
func WithPollCap(d time.Duration) PollOption {
	return func(c *pollConfig) {
		if d > 0 {
			c.cap = d
		}
	}
}

// WithPollTimeout overrides the default timeout (applied only if the parent
// context has no deadline).
func WithPollTimeout(d time.Duration) PollOption {
	return func(c *pollConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithPollRetry overrides the retry policy for individual status requests.
func WithPollRetry(cfg resilience.RetryConfig) PollOption {
	return func(c *pollConfig) {
		c.retry = cfg
	}
}

type jobResponse struct {
	Status  string   `json:"status"`
	Results []Result `json:"results"`
	Error   string   `json:"error,omitempty"`
}

// pollJob waits for an accepted job to complete. The reveal call has already
// been accepted, so every failure here is reported as accepted.
func (c *httpClient) pollJob(ctx context.Context, id string) ([]Result, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.poll.timeout)
		defer cancel()
	}

	interval := c.poll.initial
	for {
		job, err := resilience.DoVal(ctx, c.poll.retry, func(ctx context.Context) (*jobResponse, error) {
			return c.getJob(ctx, id)
		})
		if err != nil {
			return nil, acceptedFailure(eris.Wrapf(err, "revealapi: poll job %s", id))
		}

		switch job.Status {
		case JobCompleted:
			return job.Results, nil
		case JobFailed:
			return nil, acceptedFailure(eris.Errorf("revealapi: job %s failed: %s", id, job.Error))
		}

		zap.L().Debug("revealapi: job not ready",
			zap.String("job_id", id),
			zap.String("status", job.Status),
			zap.Duration("next_poll", interval),
		)

		select {
		case <-ctx.Done():
			return nil, acceptedFailure(eris.Wrapf(ctx.Err(), "revealapi: poll job %s timed out", id))
		case <-time.After(interval):
		}

		interval *= 2
		if interval > c.poll.cap {
			interval = c.poll.cap
		}
	}
}

func (c *httpClient) getJob(ctx context.Context, id string) (*jobResponse, error) {
	_, body, err := c.do(ctx, http.MethodGet, "/v1/jobs/"+id, nil)
	if err != nil {
		return nil, err
	}
	var job jobResponse
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, resilience.NewCallError(eris.Wrap(err, "revealapi: unmarshal job"), resilience.ClassTransient, http.StatusOK, true)
	}
	return &job, nil
}

// acceptedFailure keeps the class of an auth failure and reports everything
// else as a transient failure of an accepted call.
func acceptedFailure(err error) error {
	if resilience.Classify(err) == resilience.ClassAuth {
		return resilience.NewCallError(err, resilience.ClassAuth, 0, true)
	}
	return resilience.NewCallError(err, resilience.ClassTransient, 0, true)
}
