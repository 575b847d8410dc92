package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/park285/cheese-matchsync/internal/config"
	"github.com/park285/cheese-matchsync/internal/feed"
	"github.com/park285/cheese-matchsync/internal/model"
	"github.com/park285/cheese-matchsync/internal/rules"
	"github.com/park285/cheese-matchsync/internal/syncstore"
)

func inspectCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "inspect",
		Short: "Dump stored records as YAML",
	}
	c.AddCommand(
		&cobra.Command{
			Use:   "invite <inviteId>",
			Short: "Show an invite with its rematch lists and wagers",
			Args:  cobra.ExactArgs(1),
			RunE: withStore(func(ctx context.Context, st *syncstore.Store, out io.Writer, args []string) error {
				return dumpPath(ctx, st, out, model.InvitePath(args[0]))
			}),
		},
		&cobra.Command{
			Use:   "match <inviteId> <matchId>",
			Short: "Show both seats' match records and the replayed position",
			Args:  cobra.ExactArgs(2),
			RunE: withStore(func(ctx context.Context, st *syncstore.Store, out io.Writer, args []string) error {
				return dumpMatch(ctx, st, out, args[0], args[1])
			}),
		},
		&cobra.Command{
			Use:   "queue",
			Short: "List waiting automatch tickets, oldest first",
			Args:  cobra.NoArgs,
			RunE: withStore(func(ctx context.Context, st *syncstore.Store, out io.Writer, _ []string) error {
				return dumpQueue(ctx, st, out)
			}),
		},
		watchCommand(),
	)
	return c
}

func withStore(fn func(ctx context.Context, st *syncstore.Store, out io.Writer, args []string) error) func(*cobra.Command, []string) error {
	return func(c *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		st, err := syncstore.Open(c.Context(), cfg.RedisURL)
		if err != nil {
			return err
		}
		defer st.Close()
		return fn(c.Context(), st, c.OutOrStdout(), args)
	}
}

// toYAML goes through JSON so the output keeps the stored field names.
func toYAML(out io.Writer, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return err
	}
	return enc.Close()
}

func dumpPath(ctx context.Context, st *syncstore.Store, out io.Writer, path string) error {
	snap, err := st.Get(ctx, path)
	if err != nil {
		return err
	}
	if !snap.Exists() {
		return fmt.Errorf("%s: not found", path)
	}
	return toYAML(out, snap.Raw())
}

func dumpMatch(ctx context.Context, st *syncstore.Store, out io.Writer, inviteID, matchID string) error {
	snap, err := st.Get(ctx, model.InvitePath(inviteID))
	if err != nil {
		return err
	}
	var inv model.Invite
	if err := snap.Decode(&inv); err != nil {
		return err
	}
	if !snap.Exists() {
		return fmt.Errorf("invite %s: not found", inviteID)
	}
	snaps, err := st.BatchGet(ctx, model.MatchPath(inv.HostID, matchID), model.MatchPath(inv.GuestID, matchID))
	if err != nil {
		return err
	}
	var host, guest model.Match
	if err := snaps[0].Decode(&host); err != nil {
		return err
	}
	if err := snaps[1].Decode(&guest); err != nil {
		return err
	}
	view := map[string]any{
		"host":  seatView(inv.HostID, host),
		"guest": seatView(inv.GuestID, guest),
	}
	if over, pos, err := rules.Ended(rules.ChessEngine{}, host, guest); err != nil {
		view["position"] = err.Error()
	} else {
		view["position"] = map[string]any{"turn": pos.Turn, "toMove": pos.Active, "winner": pos.Winner, "over": over}
	}
	return toYAML(out, view)
}

func seatView(playerID string, m model.Match) map[string]any {
	v := map[string]any{"playerId": playerID, "record": m, "moves": []string(m.Moves())}
	switch t, ok, err := m.ParsedTimer(); {
	case !ok || err != nil:
	case t.GG:
		v["timer"] = model.TimerGGLiteral
	default:
		v["timer"] = map[string]any{"turn": t.Turn, "deadline": time.UnixMilli(t.DeadlineMs).UTC().Format(time.RFC3339)}
	}
	return v
}

func dumpQueue(ctx context.Context, st *syncstore.Store, out io.Writer) error {
	var tickets []map[string]any
	err := st.Scan(ctx, model.AutomatchCollection, func(id string, snap syncstore.Snapshot) bool {
		var t model.Ticket
		if snap.Decode(&t) == nil {
			tickets = append(tickets, map[string]any{
				"inviteId": id,
				"hostId":   t.UID,
				"waiting":  time.Since(time.UnixMilli(t.Timestamp)).Round(time.Second).String(),
			})
		}
		return true
	})
	if err != nil {
		return err
	}
	return toYAML(out, tickets)
}

func watchCommand() *cobra.Command {
	var feedURL, token string
	c := &cobra.Command{
		Use:   "watch <inviteId> <matchId>",
		Short: "Follow both match records through the watch feed",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			u, err := url.Parse(strings.TrimRight(feedURL, "/"))
			if err != nil {
				return err
			}
			u.Path += "/watch/" + url.PathEscape(args[0]) + "/" + url.PathEscape(args[1])
			w := feed.NewWatcher(u.String(), 5, time.Second)
			if token != "" {
				w.SetHeaderProvider(func() map[string]string { return map[string]string{"Authorization": "Bearer " + token} })
			}
			out := c.OutOrStdout()
			w.OnFrame(func(f feed.Frame) { _ = toYAML(out, f) })
			w.OnStateChange(func(s feed.State) { fmt.Fprintf(c.ErrOrStderr(), "feed: %s\n", s) })
			if err := w.Connect(c.Context()); err != nil {
				return err
			}
			<-c.Context().Done()
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			return w.Close(ctx)
		},
	}
	c.Flags().StringVar(&feedURL, "feed", "ws://localhost:8081", "watch feed base URL")
	c.Flags().StringVar(&token, "token", "", "gateway token sent on the handshake")
	return c
}
