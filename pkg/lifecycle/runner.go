package lifecycle

import (
	"context"
	"flag"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/pkg/errors"

	"github.com/snowops/chgctl/pkg/snowchange"
)

type Config struct {
	Result string `yaml:"result"`

	// Backoff for the final consistency re-read. Per call retries stay with
	// the transport layer; this only absorbs the lag between an accepted
	// close and the persisted record.
	VerifyBackoff backoff.Config `yaml:"verify_backoff"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	f.StringVar(&c.Result, flagPrefix+"result", string(snowchange.CloseSuccessful), `Close code to finish the lifecycle with (successful or unsuccessful).`)
	f.DurationVar(&c.VerifyBackoff.MinBackoff, flagPrefix+"verify-backoff-min", 100*time.Millisecond, `Min delay between verification reads.`)
	f.DurationVar(&c.VerifyBackoff.MaxBackoff, flagPrefix+"verify-backoff-max", 1*time.Second, `Max delay between verification reads.`)
	f.IntVar(&c.VerifyBackoff.MaxRetries, flagPrefix+"verify-max-retries", 3, `Max verification reads before giving up.`)
}

// Runner executes one change record through the full workflow:
// create -> Implement -> Review -> close -> verify.
type Runner struct {
	cfg    Config
	client *snowchange.Client
	log    log.Logger
}

func New(cfg Config, client *snowchange.Client, logger log.Logger) *Runner {
	return &Runner{
		cfg:    cfg,
		client: client,
		log:    log.With(logger, "component", "lifecycle"),
	}
}

// Run drives the whole lifecycle and returns the verified final record. On
// any step failure the remote record is left in its last confirmed state and
// the error names the failed step; no compensation is attempted.
func (r *Runner) Run(ctx context.Context, p snowchange.CreateParams) (*snowchange.ChangeRecord, error) {
	result := snowchange.CloseCode(r.cfg.Result)

	rec, err := r.client.Create(ctx, p)
	if err != nil {
		return nil, errors.Wrap(err, "lifecycle create")
	}
	level.Info(r.log).Log("msg", "change created", "number", rec.Number, "sys_id", rec.SysID, "state", rec.State)

	for _, target := range []snowchange.State{snowchange.StateImplement, snowchange.StateReview} {
		rec, err = r.client.Update(ctx, rec.SysID, target)
		if err != nil {
			return nil, errors.Wrapf(err, "lifecycle transition to %s", target)
		}
		level.Info(r.log).Log("msg", "change transitioned", "sys_id", rec.SysID, "state", rec.State)
	}

	rec, err = r.client.Close(ctx, rec.SysID, result)
	if err != nil {
		return nil, errors.Wrap(err, "lifecycle close")
	}
	level.Info(r.log).Log("msg", "change closed", "sys_id", rec.SysID, "close_code", rec.CloseCode)

	return r.verify(ctx, rec.SysID, result)
}

// verify re-reads the record until it reports the closed state, bounded by
// the configured backoff.
func (r *Runner) verify(ctx context.Context, sysID string, result snowchange.CloseCode) (*snowchange.ChangeRecord, error) {
	var rec *snowchange.ChangeRecord

	boff := backoff.New(ctx, r.cfg.VerifyBackoff)
	for boff.Ongoing() {
		var err error
		rec, err = r.client.Get(ctx, sysID)
		if err != nil {
			return nil, errors.Wrap(err, "lifecycle verify")
		}

		if rec.State == snowchange.StateClosed && rec.CloseCode == result {
			level.Info(r.log).Log("msg", "change verified", "sys_id", sysID, "state", rec.State, "close_code", rec.CloseCode)
			return rec, nil
		}

		level.Debug(r.log).Log("msg", "change not settled yet", "sys_id", sysID, "state", rec.State)
		boff.Wait()
	}

	if err := boff.Err(); err != nil && rec == nil {
		return nil, errors.Wrap(err, "lifecycle verify")
	}

	return nil, &snowchange.TransitionError{Op: "verify", SysID: sysID,
		Want: snowchange.StateClosed, Got: rec.State, WantCode: result, GotCode: rec.CloseCode}
}
