package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"chatring/internal/server"
	"chatring/internal/validate"
)

var (
	replicaID     uint32
	clientAddr    string
	replicaAddr   string
	peerFlags     []string
	maxSessions   int
	historySize   int
	dataDir       string
	answerTimeout time.Duration
	coordTimeout  time.Duration
	sessionGrace  time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "chatring-server",
	Short: "Runs one replica of the replicated group-chat service",
	Long: `chatring-server starts a single replica. Replicas holding a
mesh of --peers elect a coordinator among themselves via the bully
protocol and replicate every group-chat event to the rest of the set.`,
	RunE: runServer,
}

func init() {
	rootCmd.Flags().Uint32Var(&replicaID, "replica-id", 1, "this replica's id, used to break election ties")
	rootCmd.Flags().StringVar(&clientAddr, "listen", ":9000", "address to accept client connections on (active only while coordinator)")
	rootCmd.Flags().StringVar(&replicaAddr, "replica-listen", ":9100", "address to accept replica-plane connections on")
	rootCmd.Flags().StringSliceVar(&peerFlags, "peers", nil, "replica_id=host:port pair for another replica in the mesh, repeatable")
	rootCmd.Flags().IntVar(&maxSessions, "max-sessions", 3, "max concurrent sessions per username")
	rootCmd.Flags().IntVar(&historySize, "history-size", 200, "messages retained per group")
	rootCmd.Flags().StringVar(&dataDir, "data-dir", "", "directory for a best-effort on-disk history mirror (empty disables it)")
	rootCmd.Flags().DurationVar(&answerTimeout, "answer-timeout", 500*time.Millisecond, "how long a candidate waits for an ANSWER before self-declaring coordinator")
	rootCmd.Flags().DurationVar(&coordTimeout, "timeout", 2*time.Second, "coordinator liveness timeout on the replica plane")
	rootCmd.Flags().DurationVar(&sessionGrace, "session-grace", 3*time.Second, "grace period before a dropped client session is evicted")
}

func parsePeers(flags []string) (map[uint32]string, error) {
	peers := make(map[uint32]string, len(flags))
	for _, f := range flags {
		parts := strings.SplitN(f, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid --peers entry %q, want replica_id=host:port", f)
		}
		id, err := strconv.ParseUint(parts[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid --peers entry %q: %w", f, err)
		}
		peers[uint32(id)] = parts[1]
	}
	return peers, nil
}

func runServer(cmd *cobra.Command, args []string) error {
	if err := validate.HistorySize(historySize); err != nil {
		return err
	}

	logger := zap.Must(zap.NewProduction())
	defer logger.Sync()

	peers, err := parsePeers(peerFlags)
	if err != nil {
		return err
	}

	srv := server.New(server.Config{
		ReplicaID:     replicaID,
		ClientAddr:    clientAddr,
		ReplicaAddr:   replicaAddr,
		Peers:         peers,
		MaxSessions:   maxSessions,
		HistorySize:   historySize,
		DataDir:       dataDir,
		AnswerTimeout: answerTimeout,
		Timeout:       coordTimeout,
		SessionGrace:  sessionGrace,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		logger.Info("server: shutting down")
		cancel()
	}()

	go srv.RunAdmin(os.Stdin, os.Stdout)

	logger.Info("server: starting", zap.Uint32("replica_id", replicaID), zap.String("client_addr", clientAddr), zap.String("replica_addr", replicaAddr))
	return srv.Run(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
