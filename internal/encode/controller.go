// Package encode runs one media item through the tier ladder: try the most
// demanding encoder parameters the hardware is believed to sustain, step
// down on resource exhaustion, and remember what worked.
package encode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gwlsn/stepdown/internal/ffmpeg"
	"github.com/gwlsn/stepdown/internal/logger"
	"github.com/gwlsn/stepdown/internal/media"
	"github.com/gwlsn/stepdown/internal/metrics"
)

// DefaultMinOutputBytes is the smallest output accepted as a real encode.
const DefaultMinOutputBytes = 1000

// TempSuffix is appended to the clean name for the in-progress output.
const TempSuffix = "_converted.mp4"

// ProfileStore persists the best known tier per stream signature.
type ProfileStore interface {
	// GetProfile returns nil, nil when nothing was learned for sig.
	GetProfile(ctx context.Context, sig media.Signature) (*Profile, error)
	SaveProfile(ctx context.Context, sig media.Signature, tier Tier) error
}

// Runner executes one encode attempt. Failures wrap either
// ffmpeg.ErrResourceExhausted or something fatal.
type Runner interface {
	Run(ctx context.Context, cmd *ffmpeg.Command, name string) error
}

// Options configures a Controller.
type Options struct {
	FFmpegPath string
	QSV        ffmpeg.QSVOptions

	// Ladder defaults to DefaultLadder().
	Ladder []Tier

	MinOutputBytes int64
	Cooldown       time.Duration

	// MaxProfileAge ignores profiles whose last success is older. Zero keeps
	// profiles forever.
	MaxProfileAge time.Duration

	Progress bool
}

// Controller drives the tier ladder for one item at a time.
type Controller struct {
	profiles ProfileStore
	runner   Runner
	opts     Options
	now      func() time.Time
}

// NewController creates a Controller. profiles may be nil, in which case
// nothing is looked up or learned.
func NewController(profiles ProfileStore, runner Runner, opts Options) *Controller {
	if len(opts.Ladder) == 0 {
		opts.Ladder = DefaultLadder()
	}
	if opts.MinOutputBytes <= 0 {
		opts.MinOutputBytes = DefaultMinOutputBytes
	}
	if opts.Cooldown < 0 {
		opts.Cooldown = 0
	}
	return &Controller{profiles: profiles, runner: runner, opts: opts, now: time.Now}
}

// TempOutput is where an attempt for item writes before relocation.
func TempOutput(item media.Item, cleanName string) string {
	return filepath.Join(filepath.Dir(item.Source), cleanName+TempSuffix)
}

// Encode converts item and returns the path of the verified output.
//
// Tiers are tried in order. A resource failure removes the partial output,
// pauses for the cooldown and moves on; any other failure returns a
// *FatalError at once. When the ladder runs out the result wraps
// ErrTierLadderExhausted. No partial output survives a failed call.
//
// ctx is honoured between attempts and by the runner; callers that must
// not interrupt a running encode pass a detached context.
func (c *Controller) Encode(ctx context.Context, item media.Item, cleanName string) (string, error) {
	log := logger.FromContext(ctx)

	if !item.Stream.Resolved() {
		return "", &FatalError{Err: fmt.Errorf("%w: %s", media.ErrValidation, item.Source)}
	}

	sig := item.Stream.Signature()
	tiers := PlanLadder(c.opts.Ladder, c.lookup(ctx, sig))
	output := TempOutput(item, cleanName)

	for i, tier := range tiers {
		log.Info("Encoding attempt", "tier", tier.Description, "attempt", i+1, "of", len(tiers),
			"bf", tier.BF, "lad", tier.LAD, "async_depth", tier.AsyncDepth)

		cmd, err := ffmpeg.Build(ffmpeg.BuildSpec{
			Binary:     c.opts.FFmpegPath,
			Input:      item.Source,
			Output:     output,
			Stream:     item.Stream,
			BF:         tier.BF,
			LAD:        tier.LAD,
			AsyncDepth: tier.AsyncDepth,
			Options:    c.opts.QSV,
			Progress:   c.opts.Progress,
		})
		if err != nil {
			return "", &FatalError{Tier: tier, Err: err}
		}

		start := time.Now()
		err = c.runner.Run(ctx, cmd, cleanName)
		elapsed := time.Since(start)

		if err == nil {
			if verr := c.verifyOutput(output); verr != nil {
				removePartial(log, output)
				metrics.RecordAttempt(tier.Description, metrics.OutcomeFatal, elapsed)
				return "", &FatalError{Tier: tier, Err: verr}
			}
			metrics.RecordAttempt(tier.Description, metrics.OutcomeSuccess, elapsed)
			log.Info("Encoding succeeded", "tier", tier.Description, "elapsed", elapsed.Round(time.Second))
			c.learn(ctx, sig, tier)
			return output, nil
		}

		removePartial(log, output)

		if !errors.Is(err, ffmpeg.ErrResourceExhausted) {
			metrics.RecordAttempt(tier.Description, metrics.OutcomeFatal, elapsed)
			return "", &FatalError{Tier: tier, Err: err}
		}

		metrics.RecordAttempt(tier.Description, metrics.OutcomeResource, elapsed)
		log.Warn("Resource exhaustion, stepping down", "tier", tier.Description, "error", err)

		if i < len(tiers)-1 {
			if err := sleepCtx(ctx, c.opts.Cooldown); err != nil {
				return "", err
			}
		}
	}

	metrics.IncLadderExhausted()
	return "", fmt.Errorf("%w: %d tiers tried for %s", ErrTierLadderExhausted, len(tiers), item.Source)
}

// lookup returns the profile to plan with, or nil. Store errors degrade to
// the full ladder.
func (c *Controller) lookup(ctx context.Context, sig media.Signature) *Profile {
	log := logger.FromContext(ctx)

	if c.profiles == nil || !sig.Valid() {
		return nil
	}

	profile, err := c.profiles.GetProfile(ctx, sig)
	switch {
	case err != nil:
		metrics.IncHeuristicLookup("error")
		log.Warn("Profile lookup failed, using the full ladder", "signature", sig.String(), "error", err)
		return nil
	case profile == nil:
		metrics.IncHeuristicLookup("miss")
		return nil
	case c.stale(profile):
		metrics.IncHeuristicLookup("stale")
		log.Info("Ignoring stale profile", "signature", sig.String(), "last_success", profile.LastSuccess)
		return nil
	}

	metrics.IncHeuristicLookup("hit")
	log.Info("Using learned profile", "signature", sig.String(),
		"bf", profile.BF, "lad", profile.LAD, "async_depth", profile.AsyncDepth,
		"success_count", profile.SuccessCount)
	return profile
}

func (c *Controller) stale(p *Profile) bool {
	if c.opts.MaxProfileAge <= 0 {
		return false
	}
	last := p.LastSuccess
	if last.IsZero() {
		last = p.LastUsed
	}
	return !last.IsZero() && c.now().Sub(last) > c.opts.MaxProfileAge
}

func (c *Controller) learn(ctx context.Context, sig media.Signature, tier Tier) {
	if c.profiles == nil || !sig.Valid() {
		return
	}
	if err := c.profiles.SaveProfile(ctx, sig, tier); err != nil {
		logger.FromContext(ctx).Warn("Could not save profile", "signature", sig.String(), "error", err)
	}
}

func (c *Controller) verifyOutput(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: output missing after a clean exit: %v", ffmpeg.ErrEncodeFailed, err)
	}
	if info.Size() < c.opts.MinOutputBytes {
		return fmt.Errorf("%w: output is %d bytes, expected at least %d", ffmpeg.ErrEncodeFailed, info.Size(), c.opts.MinOutputBytes)
	}
	return nil
}

func removePartial(log *slog.Logger, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("Could not remove partial output", "path", path, "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
