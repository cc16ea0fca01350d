package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/joss/agentgate/internal/domain"
	"github.com/joss/agentgate/internal/platform/httpapi"
	"github.com/joss/agentgate/internal/render"
)

var serverURL string

// baseURL resolves the gateway URL from --server or the configured address.
func baseURL() (string, error) {
	if serverURL != "" {
		return strings.TrimRight(serverURL, "/"), nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	addr := cfg.HTTPAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr, nil
}

func getJSON(ctx context.Context, url string, v any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return resp.StatusCode, fmt.Errorf("decode %s: %w", url, err)
	}
	return resp.StatusCode, nil
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show gateway load and storage health",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := baseURL()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			var st httpapi.StatusResponse
			if _, err := getJSON(ctx, base+"/status", &st); err != nil {
				return fmt.Errorf("gateway unreachable: %w", err)
			}
			var health httpapi.HealthResponse
			if _, err := getJSON(ctx, base+"/health", &health); err != nil {
				return err
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(map[string]any{
					"active":  st.Active,
					"queued":  st.Queued,
					"limit":   st.Limit,
					"storage": health.Storage,
				})
			}
			render.Stdout().Status(render.Gateway{
				Addr:    base,
				Active:  st.Active,
				Queued:  st.Queued,
				Limit:   st.Limit,
				Storage: health.Storage,
			})
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "", "Gateway URL (default: from config http_addr)")
	return cmd
}

func sendCmd() *cobra.Command {
	var (
		conversation string
		platform     string
	)
	cmd := &cobra.Command{
		Use:   "send <text...>",
		Short: "Send a message through the gateway and stream the reply",
		Example: `  agentgate send "explain the retry logic in client.go"
  agentgate send --conversation feature-x /codebase ~/src/api
  agentgate send --conversation feature-x /plan add rate limiting`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := baseURL()
			if err != nil {
				return err
			}
			body, err := json.Marshal(httpapi.MessageRequest{
				Platform:       platform,
				ConversationID: conversation,
				SenderID:       os.Getenv("USER"),
				Text:           strings.Join(args, " "),
			})
			if err != nil {
				return err
			}

			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, base+"/api/messages", bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			start := time.Now()
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("gateway unreachable: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				var e map[string]string
				json.NewDecoder(resp.Body).Decode(&e)
				return fmt.Errorf("gateway returned %s: %s", resp.Status, e["error"])
			}

			r := render.Stdout()
			failed := false
			sc := bufio.NewScanner(resp.Body)
			sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
			for sc.Scan() {
				if jsonOutput {
					fmt.Println(sc.Text())
				}
				var c domain.OutboundChunk
				if err := json.Unmarshal(sc.Bytes(), &c); err != nil {
					return fmt.Errorf("bad chunk: %w", err)
				}
				if c.Kind == domain.ChunkError {
					failed = true
				}
				if !jsonOutput {
					r.Chunk(c)
				}
			}
			if err := sc.Err(); err != nil {
				return err
			}
			if !jsonOutput && render.IsTerminal(os.Stderr) {
				fmt.Fprintf(os.Stderr, "(%s)\n", render.FormatDuration(time.Since(start)))
			}
			if failed {
				return fmt.Errorf("message failed")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&conversation, "conversation", "cli", "Conversation id")
	cmd.Flags().StringVar(&platform, "platform", string(domain.PlatformHTTP), "Platform the message is attributed to")
	cmd.Flags().StringVar(&serverURL, "server", "", "Gateway URL (default: from config http_addr)")
	return cmd
}
