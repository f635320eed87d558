package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/omnihub/internal/config"
	"github.com/nextlevelbuilder/omnihub/internal/store"
	"github.com/nextlevelbuilder/omnihub/internal/trace"
)

func tracesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "traces",
		Short: "Inspect message traces",
	}
	cmd.AddCommand(tracesListCmd())
	cmd.AddCommand(tracesShowCmd())
	return cmd
}

func openTraceService() (*trace.Service, func() error, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	stores, err := openStores(cfg)
	if err != nil {
		return nil, nil, err
	}
	svc := trace.NewService(stores.Traces, trace.Options{Enabled: true})
	return svc, stores.Close, nil
}

func tracesListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent traces",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeStores, err := openTraceService()
			if err != nil {
				return err
			}
			defer closeStores()

			records, err := svc.ListRecent(context.Background(), limit)
			if err != nil {
				return fmt.Errorf("list traces: %w", err)
			}

			printTraceTable(records)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum traces to list")
	return cmd
}

func tracesShowCmd() *cobra.Command {
	var withPayloads bool
	cmd := &cobra.Command{
		Use:   "show <trace-id>",
		Short: "Show one trace with its stage timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeStores, err := openTraceService()
			if err != nil {
				return err
			}
			defer closeStores()

			ctx := context.Background()
			rec, err := svc.Get(ctx, args[0])
			if err != nil {
				return fmt.Errorf("get trace: %w", err)
			}

			out, err := json.MarshalIndent(rec, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))

			if !withPayloads {
				return nil
			}
			payloads, err := svc.Payloads(ctx, rec.TraceID)
			if err != nil {
				return fmt.Errorf("list payloads: %w", err)
			}
			for _, p := range payloads {
				fmt.Printf("\n-- %s (%s, %d bytes, %s)\n",
					p.Stage, p.PayloadType, p.SizeBytes, p.CreatedAt.Format(time.RFC3339))
				body, err := trace.DecompressPayload(&p)
				if err != nil {
					fmt.Printf("  <payload unreadable: %v>\n", err)
					continue
				}
				fmt.Println(string(body))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&withPayloads, "payloads", false, "include decompressed stage payloads")
	return cmd
}

func printTraceTable(records []store.TraceRecord) {
	headers := []string{"TRACE ID", "INSTANCE", "CHANNEL", "STATUS", "TYPE", "SENDER", "RECEIVED", "MS"}
	widths := make([]int, len(headers))
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		rows = append(rows, []string{
			r.TraceID,
			r.InstanceName,
			r.ChannelType,
			r.Status,
			r.MessageType,
			r.SenderName,
			r.ReceivedAt.Local().Format("2006-01-02 15:04:05"),
			fmt.Sprintf("%d", r.ProcessingTimeMS),
		})
	}
	for i, h := range headers {
		widths[i] = runewidth.StringWidth(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			// Sender names can be double-width (CJK, emoji); pad by display
			// width, not byte length.
			if w := runewidth.StringWidth(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}

	var b strings.Builder
	for i, h := range headers {
		b.WriteString(runewidth.FillRight(h, widths[i]+2))
	}
	fmt.Println(b.String())
	for _, row := range rows {
		b.Reset()
		for i, cell := range row {
			b.WriteString(runewidth.FillRight(cell, widths[i]+2))
		}
		fmt.Println(b.String())
	}
	fmt.Printf("\n%d trace(s)\n", len(rows))
}
