package alerting

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// DefaultCooldown 同一借款人两次告警之间的最小间隔。
const DefaultCooldown = 2 * time.Minute

// Dispatcher 按借款人冷却后分发告警。两类告警共享同一冷却窗口。
type Dispatcher struct {
	notifiers []Notifier
	store     CooldownStore
	cooldown  time.Duration
	now       func() time.Time
	logger    zerolog.Logger
}

// NewDispatcher 构造分发器。store 为 nil 时使用内存冷却表。
func NewDispatcher(store CooldownStore, cooldown time.Duration, logger zerolog.Logger, notifiers ...Notifier) *Dispatcher {
	if store == nil {
		store = NewMemoryCooldownStore()
	}
	if cooldown < 0 {
		cooldown = DefaultCooldown
	}
	active := make([]Notifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			active = append(active, n)
		}
	}
	return &Dispatcher{
		notifiers: active,
		store:     store,
		cooldown:  cooldown,
		now:       time.Now,
		logger:    logger.With().Str("component", "alert_dispatcher").Logger(),
	}
}

// Enabled 是否配置了任何通道。
func (d *Dispatcher) Enabled() bool {
	return d != nil && len(d.notifiers) > 0
}

// Notify 发送告警并返回是否至少一个通道成功。
// 冷却期内直接丢弃；发送失败只记录日志，不更新冷却时间。
func (d *Dispatcher) Notify(ctx context.Context, note Notification) bool {
	if !d.Enabled() {
		return false
	}

	log := d.logger.With().
		Str("kind", string(note.Kind)).
		Str("borrower", note.Borrower.Hex()).
		Logger()

	now := d.now()
	last, seen, err := d.store.LastSent(ctx, note.Borrower)
	if err != nil {
		log.Warn().Err(err).Msg("读取冷却状态失败，继续发送")
	} else if seen && now.Sub(last) < d.cooldown {
		log.Info().
			Time("last_sent", last).
			Dur("cooldown", d.cooldown).
			Msg("告警处于冷却期，跳过")
		return false
	}

	if note.At.IsZero() {
		note.At = now
	}

	sent := false
	for _, n := range d.notifiers {
		if err := n.Notify(ctx, note); err != nil {
			log.Error().Err(err).Msg("告警发送失败")
			continue
		}
		sent = true
	}
	if !sent {
		return false
	}

	if err := d.store.MarkSent(ctx, note.Borrower, now); err != nil {
		log.Warn().Err(err).Msg("写入冷却状态失败")
	}
	return true
}
