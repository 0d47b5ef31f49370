package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func sampleNote(kind Kind) Notification {
	return Notification{
		Kind:         kind,
		Network:      "sonic",
		Borrower:     common.HexToAddress("0x123400000000000000000000000000000000abcd"),
		PlanType:     "standard",
		Amount:       decimal.NewFromInt(1000),
		VaultBalance: decimal.NewFromInt(500),
		At:           time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), sampleNote(KindInsufficientLiquidity)); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	if !strings.HasPrefix(received["text"], "Vault Lacks Liquidity - Borrower 0x1234...abcd") {
		t.Fatalf("text 标题不正确: %q", received["text"])
	}
	if !strings.Contains(received["text"], "Vault balance: 500.0000") {
		t.Fatalf("text 应包含金库余额: %q", received["text"])
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), sampleNote(KindLiquidationExecuted)); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func TestSubjects(t *testing.T) {
	if got := Subject(sampleNote(KindLiquidationExecuted)); got != "Borrower Liquidated - Borrower 0x1234...abcd" {
		t.Fatalf("标题不正确: %q", got)
	}
	if got := ShortAddress(common.HexToAddress("0xAbCd00000000000000000000000000000000Ef12")); got != "0xabcd...ef12" {
		t.Fatalf("短地址不正确: %q", got)
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
