package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"golang.org/x/sync/errgroup"
)

func newPullCmd(a *app) *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:     "pull <model-id>...",
		Short:   "Download model files into the cache",
		Example: "  coderd pull yi-coder\n  coderd pull yi-coder deepseek-coder",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var bars *barProgress
			opts := stackOptions{base: cmd.Context()}
			if !quiet {
				bars = &barProgress{p: mpb.NewWithContext(cmd.Context(), mpb.WithOutput(cmd.ErrOrStderr()), mpb.WithWidth(48))}
				opts.progress = bars
			}
			m, coord, err := a.buildStack(opts)
			if err != nil {
				return err
			}
			defer m.Close()
			for _, id := range args {
				if _, ok := m.Model(id); !ok {
					return fmt.Errorf("unknown model %q", id)
				}
			}

			g, ctx := errgroup.WithContext(cmd.Context())
			for _, id := range args {
				g.Go(func() error {
					paths, err := coord.EnsureAvailable(ctx, id)
					if err != nil {
						return fmt.Errorf("%s: %w", id, err)
					}
					a.log.Info().Str("model", id).Str("dir", paths.Dir).Msg("model cached")
					return nil
				})
			}
			err = g.Wait()
			if bars != nil {
				bars.p.Wait()
			}
			return err
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", !isTerminal(os.Stderr), "Disable progress bars")
	return cmd
}

// barProgress renders one mpb bar per downloaded file.
type barProgress struct {
	p *mpb.Progress
}

func (b *barProgress) Track(modelID, file string, size int64, r io.Reader) (io.Reader, func(error)) {
	bar := b.p.New(max(size, 0),
		mpb.BarStyle().Rbound("|"),
		mpb.PrependDecorators(
			decor.Name(modelID+"/"+file+" "),
			decor.Counters(decor.SizeB1024(0), "% .2f / % .2f"),
		),
		mpb.AppendDecorators(
			decor.EwmaETA(decor.ET_STYLE_GO, 30),
			decor.Name(" ] "),
			decor.EwmaSpeed(decor.SizeB1024(0), "% .2f", 30),
		),
	)
	return bar.ProxyReader(r), func(err error) {
		if err != nil {
			bar.Abort(false)
			return
		}
		// Completes bars whose size the hub did not report.
		bar.SetTotal(-1, true)
	}
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}
