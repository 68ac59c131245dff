package client

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/coachpo/orchestrator/errs"
	"github.com/coachpo/orchestrator/internal/cache"
	"github.com/coachpo/orchestrator/internal/domain/keys"
	"github.com/coachpo/orchestrator/internal/domain/schema"
	"github.com/coachpo/orchestrator/internal/mutation"
)

const pendingStakePrefix = "pending:"

func (c *Client) buildMutations() {
	c.startBot = c.botMutation("bot.start", "start", schema.BotStatusRunning)
	c.stopBot = c.botMutation("bot.stop", "stop", schema.BotStatusStopped)

	c.stake = &mutation.Mutation[schema.StakeRequest, schema.Stake]{
		Name:  "staking.stake",
		Cache: c.cache,
		Fn: func(ctx context.Context, req schema.StakeRequest) (schema.Stake, error) {
			var out schema.Stake
			err := c.rest.Post(ctx, PathStake, req, &out)
			return out, err
		},
		Keys: stakingKeys,
		OnMutate: func(mc *mutation.Context, req schema.StakeRequest) {
			adjustWallet(mc, req.Asset, req.Amount.Neg())
			mutation.PatchValue(mc, keys.Stakes(), func(prev []schema.Stake) []schema.Stake {
				next := make([]schema.Stake, len(prev), len(prev)+1)
				copy(next, prev)
				return append(next, schema.Stake{
					ID:     pendingStakePrefix + mc.ID,
					Asset:  req.Asset,
					Amount: req.Amount,
					Status: "pending",
				})
			})
		},
		OnSuccess: func(stake schema.Stake, _ schema.StakeRequest, mc *mutation.Context) {
			placeholder := pendingStakePrefix + mc.ID
			cache.Update(c.cache, keys.Stakes(), func(prev []schema.Stake, ok bool) []schema.Stake {
				if !ok {
					return []schema.Stake{stake}
				}
				next := make([]schema.Stake, 0, len(prev))
				for _, s := range prev {
					if s.ID == placeholder {
						s = stake
					}
					next = append(next, s)
				}
				return next
			})
		},
		Notify: c.notify,
	}

	c.unstake = &mutation.Mutation[schema.StakeRequest, struct{}]{
		Name:  "staking.unstake",
		Cache: c.cache,
		Fn: func(ctx context.Context, req schema.StakeRequest) (struct{}, error) {
			return struct{}{}, c.rest.Post(ctx, PathUnstake, req, nil)
		},
		Keys: stakingKeys,
		OnMutate: func(mc *mutation.Context, req schema.StakeRequest) {
			adjustWallet(mc, req.Asset, req.Amount)
			mutation.PatchValue(mc, keys.Stakes(), func(prev []schema.Stake) []schema.Stake {
				next := make([]schema.Stake, 0, len(prev))
				for _, s := range prev {
					if strings.EqualFold(s.Asset, req.Asset) {
						continue
					}
					next = append(next, s)
				}
				return next
			})
		},
		Notify: c.notify,
	}

	c.preferences = &mutation.Mutation[schema.Preferences, schema.Preferences]{
		Name:  "preferences.update",
		Cache: c.cache,
		Fn: func(ctx context.Context, update schema.Preferences) (schema.Preferences, error) {
			var out schema.Preferences
			err := c.rest.Put(ctx, PathPreferences, update, &out)
			return out, err
		},
		Keys: func(schema.Preferences) []cache.Key { return []cache.Key{keys.Preferences()} },
		OnMutate: func(mc *mutation.Context, update schema.Preferences) {
			mutation.PatchValue(mc, keys.Preferences(), func(prev schema.Preferences) schema.Preferences {
				return prev.Merge(update)
			})
		},
		OnSuccess: func(saved schema.Preferences, _ schema.Preferences, _ *mutation.Context) {
			c.cache.Set(keys.Preferences(), saved)
		},
		Notify: c.notify,
	}

	c.markRead = c.notificationMutation("notifications.read",
		func(ctx context.Context, id string) error {
			return c.rest.Post(ctx, PathNotifications+"/"+url.PathEscape(id)+"/read", nil, nil)
		},
		schema.MarkRead)
	c.deleteNotif = c.notificationMutation("notifications.delete",
		func(ctx context.Context, id string) error {
			return c.rest.Delete(ctx, PathNotifications+"/"+url.PathEscape(id), nil)
		},
		schema.RemoveNotification)
	c.markAllRead = &mutation.Mutation[struct{}, struct{}]{
		Name:  "notifications.read_all",
		Cache: c.cache,
		Fn: func(ctx context.Context, _ struct{}) (struct{}, error) {
			return struct{}{}, c.rest.Post(ctx, PathReadAll, nil, nil)
		},
		Keys: func(struct{}) []cache.Key { return notificationKeys() },
		OnMutate: func(mc *mutation.Context, _ struct{}) {
			mutation.PatchValue(mc, keys.Notifications(), schema.MarkAllRead)
			mutation.PatchValue(mc, keys.UnreadCount(), func(int) int { return 0 })
		},
		Notify: c.notify,
	}
}

func (c *Client) botMutation(name, action string, status schema.BotStatus) *mutation.Mutation[string, schema.Bot] {
	return &mutation.Mutation[string, schema.Bot]{
		Name:  name,
		Cache: c.cache,
		Fn: func(ctx context.Context, id string) (schema.Bot, error) {
			var out schema.Bot
			err := c.rest.Post(ctx, fmt.Sprintf("%s/%s/%s", PathBots, url.PathEscape(id), action), nil, &out)
			return out, err
		},
		Keys: func(string) []cache.Key { return []cache.Key{keys.Bots()} },
		OnMutate: func(mc *mutation.Context, id string) {
			mutation.PatchValue(mc, keys.Bots(), func(prev []schema.Bot) []schema.Bot {
				next := make([]schema.Bot, len(prev))
				for i, b := range prev {
					if b.ID == id {
						b = b.WithStatus(status)
					}
					next[i] = b
				}
				return next
			})
		},
		Notify: c.notify,
	}
}

func (c *Client) notificationMutation(name string, call func(context.Context, string) error,
	apply func([]schema.Notification, string) []schema.Notification) *mutation.Mutation[string, struct{}] {
	return &mutation.Mutation[string, struct{}]{
		Name:  name,
		Cache: c.cache,
		Fn: func(ctx context.Context, id string) (struct{}, error) {
			return struct{}{}, call(ctx, id)
		},
		Keys: func(string) []cache.Key { return notificationKeys() },
		OnMutate: func(mc *mutation.Context, id string) {
			var next []schema.Notification
			if !mutation.PatchValue(mc, keys.Notifications(), func(prev []schema.Notification) []schema.Notification {
				next = apply(prev, id)
				return next
			}) {
				return
			}
			mutation.PatchValue(mc, keys.UnreadCount(), func(int) int { return schema.CountUnread(next) })
		},
		Notify: c.notify,
	}
}

func stakingKeys(schema.StakeRequest) []cache.Key {
	return []cache.Key{keys.Wallets(), keys.Stakes()}
}

func notificationKeys() []cache.Key {
	return []cache.Key{keys.Notifications(), keys.UnreadCount()}
}

func adjustWallet(mc *mutation.Context, asset string, delta decimal.Decimal) {
	mutation.PatchValue(mc, keys.Wallets(), func(prev []schema.WalletBalance) []schema.WalletBalance {
		next := make([]schema.WalletBalance, len(prev))
		copy(next, prev)
		for i := range next {
			if strings.EqualFold(next[i].Currency, asset) {
				next[i].Available = next[i].Available.Add(delta)
				next[i].Total = next[i].Total.Add(delta)
			}
		}
		return next
	})
}

// StartBot starts a bot, flipping its cached status before the call.
func (c *Client) StartBot(ctx context.Context, id string) (schema.Bot, error) {
	return c.startBot.Run(ctx, id)
}

// StopBot stops a bot, flipping its cached status before the call.
func (c *Client) StopBot(ctx context.Context, id string) (schema.Bot, error) {
	return c.stopBot.Run(ctx, id)
}

// Stake locks amount of asset. The wallet and stake list update at once and
// roll back if the backend rejects the request.
func (c *Client) Stake(ctx context.Context, req schema.StakeRequest) (schema.Stake, error) {
	return c.stake.Run(ctx, req)
}

// Unstake releases the stakes held in asset.
func (c *Client) Unstake(ctx context.Context, req schema.StakeRequest) error {
	_, err := c.unstake.Run(ctx, req)
	return err
}

// UpdatePreferences merges update into the stored preferences. Fields left
// unset keep their previous values.
func (c *Client) UpdatePreferences(ctx context.Context, update schema.Preferences) (schema.Preferences, error) {
	return c.preferences.Run(ctx, update)
}

// MarkNotificationRead marks one notification read.
func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	if id == "" {
		return errs.New("notifications.read", errs.CodeInvalid, errs.WithMessage("notification id required"))
	}
	_, err := c.markRead.Run(ctx, id)
	return err
}

// MarkAllNotificationsRead marks every notification read.
func (c *Client) MarkAllNotificationsRead(ctx context.Context) error {
	_, err := c.markAllRead.Run(ctx, struct{}{})
	return err
}

// DeleteNotification removes one notification.
func (c *Client) DeleteNotification(ctx context.Context, id string) error {
	if id == "" {
		return errs.New("notifications.delete", errs.CodeInvalid, errs.WithMessage("notification id required"))
	}
	_, err := c.deleteNotif.Run(ctx, id)
	return err
}
