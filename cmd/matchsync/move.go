package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/park285/cheese-matchsync/internal/callclient"
	"github.com/park285/cheese-matchsync/internal/config"
	"github.com/park285/cheese-matchsync/internal/matchclient"
	"github.com/park285/cheese-matchsync/internal/model"
	"github.com/park285/cheese-matchsync/internal/movesync"
	"github.com/park285/cheese-matchsync/internal/rules"
	"github.com/park285/cheese-matchsync/internal/session"
	"github.com/park285/cheese-matchsync/internal/syncstore"
	"github.com/park285/cheese-matchsync/pkg/matchdto"
)

const recordWait = 5 * time.Second

func moveCommand() *cobra.Command {
	var apiURL, token, login, profile string
	c := &cobra.Command{
		Use:   "move <inviteId> <uci>",
		Short: "Join an invite as a player and submit one move",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			if login == "" {
				return fmt.Errorf("--login is required")
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := c.Context()
			st, err := syncstore.Open(ctx, cfg.RedisURL)
			if err != nil {
				return err
			}
			defer st.Close()
			if token == "" {
				token = cfg.GatewayToken
			}

			engine := rules.ChessEngine{}
			calls := callclient.New(apiURL, token, matchdto.Caller{LoginID: login, ProfileID: profile})
			mc := matchclient.New(st, calls, engine,
				session.Identity{LoginID: login, ProfileID: profile},
				matchclient.WithMoveConfig(moveConfig(cfg)),
			)
			defer mc.Close()

			sc, err := mc.Connect(ctx, args[0])
			if err != nil {
				return err
			}
			own, opp, err := awaitRecords(ctx, mc, sc)
			if err != nil {
				return err
			}
			next := own.Moves().Append(args[1])
			played := *own
			played.FlatMovesString = next.String()
			pos, err := engine.Replay(rules.Histories(played, opp))
			if err != nil {
				return fmt.Errorf("move %s: %w", args[1], err)
			}
			out, err := mc.SendMove(ctx, args[1], pos.FEN, sc.MatchID)
			if err != nil {
				return err
			}
			return toYAML(c.OutOrStdout(), map[string]any{
				"matchId":  sc.MatchID,
				"role":     sc.Role,
				"moves":    []string(out.Moves),
				"attempts": out.Attempts,
				"verified": out.Verified,
				"fen":      pos.FEN,
				"over":     pos.Over,
			})
		},
	}
	c.Flags().StringVar(&apiURL, "api", "http://localhost:8080", "callable endpoint base URL")
	c.Flags().StringVar(&token, "token", "", "gateway token (defaults to GATEWAY_TOKEN)")
	c.Flags().StringVar(&login, "login", "", "login id to act as")
	c.Flags().StringVar(&profile, "profile", "", "durable profile id, when the seat was taken by profile")
	return c
}

func moveConfig(cfg *config.AppConfig) movesync.Config {
	mc := movesync.DefaultConfig()
	mc.TotalBudget = cfg.MoveTotalBudget
	mc.AttemptTimeout = cfg.MoveAttemptTimeout
	return mc
}

// awaitRecords waits for the subscriptions to deliver the records the move is
// built on. A missing opponent seat yields an empty record.
func awaitRecords(ctx context.Context, mc *matchclient.Client, sc session.Context) (*model.Match, model.Match, error) {
	ctx, cancel := context.WithTimeout(ctx, recordWait)
	defer cancel()
	for {
		own, opp := mc.Matches()
		if own != nil && (opp != nil || sc.OpponentID == "") {
			if opp == nil {
				return own, model.Match{}, nil
			}
			return own, *opp, nil
		}
		select {
		case <-mc.Events():
		case <-ctx.Done():
			return nil, model.Match{}, fmt.Errorf("match %s: records not received: %w", sc.MatchID, ctx.Err())
		}
	}
}
