package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sprite-ai/p4review/internal/api"
)

func newServeCmd(env *cliEnv) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Long: `Start an HTTP server exposing the review engine.

Endpoints:
  GET    /health                        Health check
  GET    /metrics                       Prometheus metrics
  GET    /api/reviews                   Search reviews
  POST   /api/reviews                   Create a review from a change
  GET    /api/reviews/{id}              Fetch a review (?fields= projection)
  DELETE /api/reviews/{id}              Delete a review
  POST   /api/reviews/{id}/changes      Record a change as a new version
  POST   /api/reviews/{id}/participants Add or remove participants
  POST   /api/reviews/{id}/votes        Vote
  DELETE /api/reviews/{id}/votes/{user} Clear a vote
  POST   /api/reviews/{id}/state        Change state (approved:commit commits)
  POST   /api/reviews/{id}/status       Record CI test and deploy status
  POST   /api/reviews/{id}/commit       Commit the pending version
  GET    /api/reviews/{id}/diff         Diff two versions (?from=&to=&path=)
  GET    /api/ws                        WebSocket review session`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return env.run(cmd, func(ctx context.Context, s *session) error {
				listen := s.cfg.Server.Addr
				if addr != "" {
					listen = addr
				}
				srv := api.New(listen, s.engine, s.log)

				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()
				errc := make(chan error, 1)
				go func() { errc <- srv.ListenAndServe() }()

				select {
				case err := <-errc:
					return err
				case <-ctx.Done():
				}
				s.log.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					return err
				}
				if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&addr, "addr", "a", "", "address to listen on (overrides server.addr)")
	return cmd
}
