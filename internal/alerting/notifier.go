package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Kind 区分告警类型。
type Kind string

const (
	KindInsufficientLiquidity Kind = "insufficient_liquidity"
	KindLiquidationExecuted   Kind = "liquidation_executed"
)

// Notification 封装告警上下文。
type Notification struct {
	Kind         Kind
	Network      string
	Borrower     common.Address
	PlanType     string
	Amount       decimal.Decimal
	VaultBalance decimal.Decimal
	TxHash       string
	Flashloan    bool
	At           time.Time
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// Subject 生成告警标题。
func Subject(note Notification) string {
	switch note.Kind {
	case KindInsufficientLiquidity:
		return fmt.Sprintf("Vault Lacks Liquidity - Borrower %s", ShortAddress(note.Borrower))
	case KindLiquidationExecuted:
		return fmt.Sprintf("Borrower Liquidated - Borrower %s", ShortAddress(note.Borrower))
	default:
		return fmt.Sprintf("Liquidator Alert - Borrower %s", ShortAddress(note.Borrower))
	}
}

// ShortAddress renders 0x1234...abcd.
func ShortAddress(addr common.Address) string {
	hex := strings.ToLower(addr.Hex())
	return hex[:6] + "..." + hex[len(hex)-4:]
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    Subject(note) + "\n\n" + renderText(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().
		Str("kind", string(note.Kind)).
		Str("borrower", note.Borrower.Hex()).
		Msg("告警已发送 (Telegram)")
	return nil
}

func renderText(note Notification) string {
	builder := strings.Builder{}
	switch note.Kind {
	case KindInsufficientLiquidity:
		builder.WriteString("The vault does not hold enough standby liquidity to liquidate this borrower.\n")
	case KindLiquidationExecuted:
		builder.WriteString("A liquidation transaction was mined for this borrower.\n")
	}
	if note.Network != "" {
		builder.WriteString(fmt.Sprintf("Network: %s\n", note.Network))
	}
	builder.WriteString(fmt.Sprintf("Borrower: %s\n", note.Borrower.Hex()))
	if note.PlanType != "" {
		builder.WriteString(fmt.Sprintf("Liquidation type: %s\n", note.PlanType))
	}
	builder.WriteString(fmt.Sprintf("Amount: %s\n", note.Amount.StringFixed(4)))
	builder.WriteString(fmt.Sprintf("Vault balance: %s\n", note.VaultBalance.StringFixed(4)))
	if note.TxHash != "" {
		builder.WriteString(fmt.Sprintf("Transaction: %s\n", note.TxHash))
	}
	if note.Flashloan {
		builder.WriteString("Flashloan: yes\n")
	}
	if !note.At.IsZero() {
		builder.WriteString(fmt.Sprintf("Time: %s UTC\n", note.At.UTC().Format(time.RFC3339)))
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
