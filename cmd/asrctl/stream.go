package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	httpapi "asr-stream-relay/internal/http"
	"asr-stream-relay/internal/models"
	"asr-stream-relay/internal/service/pacing"
)

func init() {
	streamCmd.Flags().String("server", "ws://localhost:8080/v1/ws", "Gateway WebSocket URL")
	streamCmd.Flags().String("call-id", "", "Call id (generated by the relay when empty)")
	streamCmd.Flags().Int("chunk-size", 3200, "Bytes per audio frame")
	streamCmd.Flags().Duration("interval", 100*time.Millisecond, "Delay between frames")
	streamCmd.Flags().Duration("linger", 3*time.Second, "Time to wait for final transcripts after the last frame")

	viper.BindPFlag("server", streamCmd.Flags().Lookup("server"))
	viper.BindPFlag("chunk_size", streamCmd.Flags().Lookup("chunk-size"))
	viper.BindPFlag("interval", streamCmd.Flags().Lookup("interval"))
	viper.BindPFlag("linger", streamCmd.Flags().Lookup("linger"))
}

var streamCmd = &cobra.Command{
	Use:   "stream <audio-file>",
	Short: "Stream an audio file through the gateway and print transcript updates",
	Long: `Stream starts a session on the relay gateway, subscribes to it, sends the file in
paced frames and prints every transcript update. WAV files are sent without their header
and paced at their real-time rate unless --interval is set explicitly.`,
	Args: cobra.ExactArgs(1),
	RunE: runStream,
}

func runStream(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read audio: %w", err)
	}
	format, audio, err := parseWAV(data)
	if err != nil {
		return err
	}

	chunkSize := viper.GetInt("chunk_size")
	interval := viper.GetDuration("interval")
	if rate := format.bytesPerSecond(); rate > 0 && !cmd.Flags().Changed("interval") {
		interval = time.Duration(chunkSize) * time.Second / time.Duration(rate)
	}
	log.Info().
		Uint32("sampleRate", format.SampleRate).
		Uint16("channels", format.Channels).
		Int("bytes", len(audio)).
		Dur("interval", interval).
		Msg("Streaming audio")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	server := viper.GetString("server")
	if _, err := url.Parse(server); err != nil {
		return fmt.Errorf("invalid server url: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, server, nil)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	defer conn.Close()

	c := &streamClient{conn: conn}
	callID, err := c.start(cmd.Flag("call-id").Value.String())
	if err != nil {
		return err
	}
	log.Info().Str("callId", callID).Msg("Session started")

	ended := make(chan struct{})
	go c.printUpdates(ended)

	if err := c.send(httpapi.Envelope{Event: httpapi.EventSessionSubscribe, CallID: callID}); err != nil {
		return err
	}

	pacer := pacing.New(chunkSize, interval)
	start := time.Now()
	frames := 0
	err = pacer.Pace(ctx, audio, func(frame []byte) error {
		payload, err := json.Marshal(frame)
		if err != nil {
			return err
		}
		frames++
		return c.send(httpapi.Envelope{Event: httpapi.EventSessionData, CallID: callID, Data: payload})
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("stream audio: %w", err)
	}
	log.Info().Int("frames", frames).Dur("elapsed", time.Since(start)).Msg("Finished streaming")

	select {
	case <-ended:
		return nil
	case <-ctx.Done():
	case <-time.After(viper.GetDuration("linger")):
	}

	if err := c.send(httpapi.Envelope{Event: httpapi.EventSessionFinish, CallID: callID}); err != nil {
		return err
	}
	select {
	case <-ended:
	case <-time.After(5 * time.Second):
		log.Warn().Msg("No end event received")
	}
	return nil
}

// streamClient serializes writes to the gateway connection.
type streamClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *streamClient) send(env httpapi.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(env)
}

// start creates the session and returns its call id. It must run before the reader
// goroutine starts.
func (c *streamClient) start(callID string) (string, error) {
	if err := c.send(httpapi.Envelope{Event: httpapi.EventSessionStart, CallID: callID}); err != nil {
		return "", err
	}
	var reply httpapi.Envelope
	if err := c.conn.ReadJSON(&reply); err != nil {
		return "", fmt.Errorf("read start reply: %w", err)
	}
	if reply.Event != httpapi.EventSessionStarted {
		return "", fmt.Errorf("session not started: %s", reply.Error)
	}
	return reply.CallID, nil
}

// printUpdates prints transcript updates until the session ends or the connection closes.
func (c *streamClient) printUpdates(ended chan<- struct{}) {
	defer close(ended)
	for {
		var env httpapi.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			log.Debug().Err(err).Msg("Gateway connection closed")
			return
		}
		switch {
		case env.Event == httpapi.EventError:
			log.Warn().Str("callId", env.CallID).Msg(env.Error)
		case env.Payload == nil:
		case env.Payload.Type == models.EventEnd:
			fmt.Println(formatEvent(*env.Payload))
			return
		default:
			fmt.Println(formatEvent(*env.Payload))
		}
	}
}

// formatEvent renders a session event as one line.
func formatEvent(ev models.Event) string {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", ev.Data))
	}
	return fmt.Sprintf("[%s] %s %s", ev.CallID, ev.Type, data)
}
