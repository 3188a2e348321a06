// Command recall is a thin HTTP client for a running recalld, giving
// operators and shell scripts the same add/search/context/stats surface
// spec §6 exposes over REST, without writing curl invocations by hand.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

type client struct {
	baseURL string
	http    *http.Client
}

func newClient(baseURL string) *client {
	return &client{baseURL: baseURL, http: &http.Client{Timeout: 30 * time.Second}}
}

func (c *client) do(method, path string, body interface{}) (map[string]interface{}, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.baseURL+path, r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

func printEnvelope(env map[string]interface{}) {
	b, _ := json.MarshalIndent(env, "", "  ")
	fmt.Println(string(b))
}

func main() {
	var addr string
	var userID, characterID, sessionID string

	root := &cobra.Command{
		Use:   "recall",
		Short: "CLI client for the Recall memory daemon",
	}
	root.PersistentFlags().StringVar(&addr, "addr", "http://127.0.0.1:18888", "recalld base URL")
	root.PersistentFlags().StringVar(&userID, "user", "default", "user id scope")
	root.PersistentFlags().StringVar(&characterID, "character", "", "character id scope")
	root.PersistentFlags().StringVar(&sessionID, "session", "", "session id scope")

	addCmd := &cobra.Command{
		Use:   "add [content]",
		Short: "Add one memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(addr)
			env, err := c.do(http.MethodPost, "/v1/memories", map[string]interface{}{
				"content": args[0], "user_id": userID, "character_id": characterID, "session_id": sessionID,
			})
			if err != nil {
				return err
			}
			printEnvelope(env)
			return nil
		},
	}

	var topK int
	searchCmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search memories",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(addr)
			env, err := c.do(http.MethodPost, "/v1/memories/search", map[string]interface{}{
				"query": args[0], "user_id": userID, "character_id": characterID, "session_id": sessionID, "top_k": topK,
			})
			if err != nil {
				return err
			}
			printEnvelope(env)
			return nil
		},
	}
	searchCmd.Flags().IntVar(&topK, "top-k", 10, "result count")

	contextCmd := &cobra.Command{
		Use:   "context [query]",
		Short: "Build a token-budgeted context block",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(addr)
			env, err := c.do(http.MethodPost, "/v1/context", map[string]interface{}{
				"query": args[0], "user_id": userID, "character_id": characterID, "session_id": sessionID,
			})
			if err != nil {
				return err
			}
			printEnvelope(env)
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List memories in a scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(addr)
			path := fmt.Sprintf("/v1/memories?user_id=%s&character_id=%s&session_id=%s", userID, characterID, sessionID)
			env, err := c.do(http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			printEnvelope(env)
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete [id]",
		Short: "Delete one memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(addr)
			path := fmt.Sprintf("/v1/memories/%s?user_id=%s&character_id=%s&session_id=%s", args[0], userID, characterID, sessionID)
			env, err := c.do(http.MethodDelete, path, nil)
			if err != nil {
				return err
			}
			printEnvelope(env)
			return nil
		},
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Print aggregate engine statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(addr)
			env, err := c.do(http.MethodGet, "/v1/stats", nil)
			if err != nil {
				return err
			}
			printEnvelope(env)
			return nil
		},
	}

	entitiesCmd := &cobra.Command{
		Use:   "entities",
		Short: "List known entities",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(addr)
			env, err := c.do(http.MethodGet, "/v1/entities", nil)
			if err != nil {
				return err
			}
			printEnvelope(env)
			return nil
		},
	}

	root.AddCommand(addCmd, searchCmd, contextCmd, listCmd, deleteCmd, statsCmd, entitiesCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
