package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tutu-network/conductor/internal/transport"
)

func init() {
	workerCmd.Flags().StringVar(&workerPeer, "peer", "", "Worker peer id (random if empty)")
	rootCmd.AddCommand(workerCmd)
}

var workerPeer string

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run an echo worker against a node",
	Long: `Connect to a node's worker endpoint and execute tasks.
The built-in worker echoes each task's template data back as its result,
which is enough to drive any application end to end.`,
	RunE: runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	peer := workerPeer
	if peer == "" {
		peer = "worker-" + uuid.NewString()[:8]
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	endpoint := workerEndpoint()
	c, err := transport.Dial(ctx, endpoint, peer)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Worker %s connected to %s\n", peer, endpoint)
	return c.Serve(ctx, transport.EchoTask)
}

// workerEndpoint maps the node API address to its websocket endpoint.
func workerEndpoint() string {
	base := newAPIClient().base
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws/worker"
}
