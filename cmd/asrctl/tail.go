package main

import (
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"asr-stream-relay/internal/events"
)

func init() {
	tailCmd.Flags().StringSlice("brokers", []string{"localhost:9092"}, "Kafka brokers")
	tailCmd.Flags().String("topic", "call.transcript", "Topic to read")
	tailCmd.Flags().Duration("since", 0, "Replay events from this far back")
	tailCmd.Flags().String("call-id", "", "Only print events of this call")

	viper.BindPFlag("brokers", tailCmd.Flags().Lookup("brokers"))
	viper.BindPFlag("topic", tailCmd.Flags().Lookup("topic"))
	viper.BindPFlag("since", tailCmd.Flags().Lookup("since"))
}

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print transcript events published by the relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		callID, _ := cmd.Flags().GetString("call-id")
		err := events.Consume(ctx, events.ReaderConfig{
			Brokers: viper.GetStringSlice("brokers"),
			Topic:   viper.GetString("topic"),
			Since:   viper.GetDuration("since"),
		}, func(rec events.Record) error {
			if callID != "" && rec.CallID != callID {
				return nil
			}
			fmt.Println(formatRecord(rec))
			return nil
		})
		if ctx.Err() != nil {
			return nil
		}
		return err
	},
}

func formatRecord(rec events.Record) string {
	return fmt.Sprintf("%s %6d [%s] %s %s",
		rec.Time.Format(time.TimeOnly), rec.Offset, rec.CallID, rec.Type, rec.Data)
}
