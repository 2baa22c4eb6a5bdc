package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/joss/comply/internal/checker"
	"github.com/joss/comply/internal/logging"
	"github.com/joss/comply/internal/metrics"
	"github.com/joss/comply/internal/server"
)

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Long: `Serve the HTTP API. Callers are identified by the X-User-ID,
X-User-Plan and X-Session-ID headers, which a gateway in front of the
service is expected to set.`,
		Run: func(cmd *cobra.Command, args []string) {
			a := requireApp()
			if addr == "" {
				addr = a.env.ListenAddr
			}

			registry := checker.NewRegistry(a.deps(requireAnalyzer()))
			srv := server.New(registry, a.plans, metrics.Global(), logging.New("server"))
			for name, b := range a.backends {
				srv.AddHealthCheck(name, b)
			}

			a.shutdown.Register("checkers", registry.Wait)
			a.shutdown.Register("http", srv.Shutdown)
			a.shutdown.ListenForSignals()

			errCh := make(chan error, 1)
			logging.SafeGo("http", func() {
				errCh <- srv.ListenAndServe(addr)
			})
			fmt.Fprintf(os.Stderr, "comply %s listening on %s\n", version, addr)

			select {
			case err := <-errCh:
				if err != nil {
					exitOnError(err)
				}
			case <-a.shutdown.Context().Done():
				<-a.shutdown.Done()
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default COMPLY_LISTEN_ADDR)")
	return cmd
}
