package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mtzanidakis/batchchain/internal/chain"
	"github.com/mtzanidakis/batchchain/internal/ipc"
)

const ipcTimeout = 10 * time.Second

var (
	natsURL         string
	submitBroadcast bool
	chainsLimit     int
)

var submitCmd = &cobra.Command{
	Use:   "submit <text>",
	Short: "Submit a request to the running service",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode := chain.ModeSingle
		if submitBroadcast {
			mode = chain.ModeBroadcast
		}
		resp, err := call(ipc.TypeCreateChain, map[string]any{
			"text": strings.Join(args, " "),
			"mode": string(mode),
		})
		if err != nil {
			return err
		}
		fmt.Printf("Chain created: %s\n", resp.ID)
		if resp.Status != nil {
			fmt.Printf("Status: %s\n", resp.Status.Status)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <chain-id>",
	Short: "Show the progress of a chain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := call(ipc.TypeChainStatus, map[string]any{"id": args[0]})
		if err != nil {
			return err
		}
		printStatus(resp.Status)
		return nil
	},
}

var chainsCmd = &cobra.Command{
	Use:   "chains",
	Short: "List recent chains",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := call(ipc.TypeListChains, map[string]any{"limit": chainsLimit})
		if err != nil {
			return err
		}
		if len(resp.Chains) == 0 {
			fmt.Println("No chains.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tMODE\tSTAGE\tCOST\tCREATED")
		for _, v := range resp.Chains {
			fmt.Fprintf(w, "%s\t%s\t%s\t$%.4f\t%s\n", v.ID, v.Mode, v.Stage, v.Cost, v.CreatedAt.Local().Format(time.DateTime))
		}
		return w.Flush()
	},
}

func init() {
	for _, c := range []*cobra.Command{submitCmd, statusCmd, chainsCmd} {
		c.Flags().StringVar(&natsURL, "nats", "", "NATS url of the running service (default from config)")
	}
	submitCmd.Flags().BoolVar(&submitBroadcast, "broadcast", false, "ask every department")
	chainsCmd.Flags().IntVarP(&chainsLimit, "limit", "n", 20, "number of chains to list")
}

func call(reqType string, payload map[string]any) (*ipc.Response, error) {
	url := natsURL
	if url == "" {
		cfg, _, err := loadConfig()
		if err != nil {
			return nil, err
		}
		url = fmt.Sprintf("nats://127.0.0.1:%d", cfg.NATS.Port)
	}
	return ipc.Call(url, reqType, payload, ipcTimeout)
}

func printStatus(v *chain.StatusView) {
	if v == nil {
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID:\t%s\n", v.ID)
	fmt.Fprintf(w, "Mode:\t%s\n", v.Mode)
	fmt.Fprintf(w, "Stage:\t%s\n", v.Stage)
	fmt.Fprintf(w, "Status:\t%s\n", v.Status)
	if v.TargetID != "" {
		fmt.Fprintf(w, "Department:\t%s\n", v.TargetID)
	}
	fmt.Fprintf(w, "Batches:\t%d (%d pending)\n", v.Batches, v.Pending)
	fmt.Fprintf(w, "Cost:\t$%.4f\n", v.Cost)
	if v.Error != "" {
		fmt.Fprintf(w, "Error:\t%s\n", v.Error)
	}
	fmt.Fprintf(w, "Created:\t%s\n", v.CreatedAt.Local().Format(time.DateTime))
	if v.CompletedAt != nil {
		fmt.Fprintf(w, "Completed:\t%s\n", v.CompletedAt.Local().Format(time.DateTime))
	}
	w.Flush()
}
