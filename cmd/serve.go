package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newServeCmd creates the 'serve' subcommand: the control API plus background
// workers fed by POST /v1/fetch.
func newServeCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Runs the control API and background fetch workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			stopAPI := startAPI(ctx, a, true)

			done := make(chan struct{})
			go func() {
				defer close(done)
				a.Worker().RunPool(ctx, a.Config().Fetch.Concurrency, nil)
			}()

			<-ctx.Done()
			a.Logger().Info("shutdown initiated")
			stopAPI()
			a.Queue().Close()
			<-done
			a.Logger().Info("shutdown complete", zap.Int("dropped_jobs", a.Queue().Len()))
			return nil
		},
	}
	cmd.Flags().String("addr", "", "listen address (default api.addr)")
	bindFlag(root.v, cmd, "api.addr", "addr")
	return cmd
}
