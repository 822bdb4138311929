package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"openenterprise/otaclient/flash"
	"openenterprise/otaclient/httpget"
	"openenterprise/otaclient/report"
	"openenterprise/otaclient/update"
)

// dryRun rehearses an update on the host: same pipeline, net/http transport
// and file-backed partitions.
type dryRun struct {
	dir           string
	slotSize      int64
	apply         bool
	verify        bool
	streamTimeout time.Duration
	userAgent     string
}

// progressUI renders update progress notifications as a bar.
type progressUI struct {
	w   io.Writer
	bar *progressbar.ProgressBar
}

func (p *progressUI) update(pr update.Progress) {
	if p.bar == nil {
		p.bar = progressbar.NewOptions64(pr.EffectiveLimit,
			progressbar.OptionSetDescription("Downloading"),
			progressbar.OptionSetWriter(p.w),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(50),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionShowCount(),
			progressbar.OptionSetRenderBlankState(true),
			progressbar.OptionSetPredictTime(false),
		)
	}
	if pr.Stalled {
		p.bar.Describe("Stalled")
	}
	_ = p.bar.Set64(pr.BytesTransferred)
}

func (p *progressUI) finish(r update.Result) {
	if p.bar == nil {
		return
	}
	if r.OK() {
		p.bar.ChangeMax64(r.Transferred)
		_ = p.bar.Finish()
	}
	fmt.Fprintln(p.w)
}

// run downloads url into the file-backed inactive slot.
func (d dryRun) run(ctx context.Context, url string, logger *slog.Logger, barOut io.Writer) (update.Result, error) {
	dev, err := flash.OpenFileDevice(d.dir, d.slotSize)
	if err != nil {
		return update.Result{}, err
	}
	popts := []flash.Option{flash.WithLogger(logger)}
	if d.verify {
		popts = append(popts, flash.WithVerifier(flash.VerifyPicobin))
	}
	parts := flash.NewPartitions(dev, popts...)

	ui := &progressUI{w: barOut}
	opts := []update.Option{
		update.WithLogger(logger),
		update.WithProgress(ui.update),
		update.WithOutcome(ui.finish),
		update.WithRestartDelay(0),
	}
	if d.streamTimeout > 0 {
		opts = append(opts, update.WithStreamTimeout(d.streamTimeout))
	}
	if d.apply {
		opts = append(opts, update.WithRestarter(parts))
	}
	client := &httpget.Client{UserAgent: d.userAgent, Logger: logger}
	u := update.New(client, parts, opts...)

	res := u.Run(ctx, url)
	logger.Info("dryrun:done",
		slog.String("boot", dev.Current().String()),
		slog.String("image", dev.Path(parts.Status().Target)),
	)
	return res, nil
}

func newDryRunCmd(a *app) *cobra.Command {
	d := dryRun{userAgent: "otactl/dryrun"}
	cmd := &cobra.Command{
		Use:   "dryrun <url>",
		Short: "Run the device update pipeline on this host against file-backed flash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			res, err := d.run(ctx, args[0], a.logger, os.Stderr)
			if err != nil {
				return err
			}
			buf := report.AppendOutcome(make([]byte, 0, report.MaxSize), res)
			fmt.Fprintln(a.out, string(buf))
			if !res.OK() {
				return res.Err
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&d.dir, "dir", "ota-dryrun", "directory holding the slot files")
	f.Int64Var(&d.slotSize, "slot-size", 2<<20, "bytes per slot, a multiple of 4096")
	f.BoolVar(&d.apply, "apply", false, "switch the boot slot after a successful download")
	f.BoolVar(&d.verify, "verify", false, "require a valid picobin block in the image")
	f.DurationVar(&d.streamTimeout, "stream-timeout", update.StreamTimeout, "streaming deadline")
	return cmd
}
