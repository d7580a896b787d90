package signal

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/LagunaFan-Crypto/trading-bot-bybit/sizing"
)

func TestFlexFloatUnmarshal(t *testing.T) {
	cases := []struct {
		in   string
		want float64
		bad  bool
	}{
		{`123.45`, 123.45, false},
		{`"123.45"`, 123.45, false},
		{`" 99 "`, 99, false},
		{`""`, 0, false},
		{`"abc"`, 0, true},
	}
	for _, tc := range cases {
		var f FlexFloat
		err := json.Unmarshal([]byte(tc.in), &f)
		if tc.bad {
			if err == nil {
				t.Errorf("unmarshal %s: expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("unmarshal %s: %v", tc.in, err)
			continue
		}
		if float64(f) != tc.want {
			t.Errorf("unmarshal %s = %v, want %v", tc.in, f, tc.want)
		}
	}
}

func TestFromPayloadActions(t *testing.T) {
	now := time.Now()
	cases := []struct {
		action string
		want   Kind
	}{
		{"buy", KindOpenLong},
		{"SELL", KindOpenShort},
		{" close ", KindClose},
		{"clear_sl", KindAdjustProtection},
		{"clear_tp", KindAdjustProtection},
	}
	for _, tc := range cases {
		sig, err := FromPayload(Payload{Action: tc.action, Symbol: "btcusdt.p"}, now)
		if err != nil {
			t.Errorf("action %q: %v", tc.action, err)
			continue
		}
		if sig.Kind != tc.want {
			t.Errorf("action %q: kind %v, want %v", tc.action, sig.Kind, tc.want)
		}
		if sig.Symbol != "BTCUSDT" {
			t.Errorf("action %q: symbol %q not normalized", tc.action, sig.Symbol)
		}
		if !sig.ReceivedAt.Equal(now) {
			t.Errorf("action %q: ReceivedAt not set", tc.action)
		}
	}
}

func TestFromPayloadProtection(t *testing.T) {
	sl := FlexFloat(95.5)
	tp := FlexFloat(120)
	sig, err := FromPayload(Payload{Action: "buy", Symbol: "BTCUSDT", SL: &sl, TP: &tp}, time.Now())
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if sig.StopLoss == nil || *sig.StopLoss != 95.5 {
		t.Errorf("stop loss not carried: %v", sig.StopLoss)
	}
	if sig.TakeProfit == nil || *sig.TakeProfit != 120 {
		t.Errorf("take profit not carried: %v", sig.TakeProfit)
	}
}

func TestFromPayloadClearIgnoresPrice(t *testing.T) {
	sl := FlexFloat(95.5)
	sig, err := FromPayload(Payload{Action: "clear_sl", Symbol: "BTCUSDT", SL: &sl}, time.Now())
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !sig.ClearStopLoss {
		t.Error("expected ClearStopLoss set")
	}
	if sig.StopLoss != nil {
		t.Error("clear_sl must not carry a stop price")
	}
}

func TestFromPayloadSizeOverride(t *testing.T) {
	v := FlexFloat(0.02)
	sig, err := FromPayload(Payload{Action: "buy", Symbol: "BTCUSDT", SizeMode: "fixed", SizeValue: &v}, time.Now())
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if sig.SizeOverride == nil {
		t.Fatal("expected size override")
	}
	if sig.SizeOverride.Mode != sizing.ModeFixedUnits || sig.SizeOverride.Value != 0.02 {
		t.Errorf("override = %+v", sig.SizeOverride)
	}
}

func TestFromPayloadRejects(t *testing.T) {
	neg := FlexFloat(-1)
	v := FlexFloat(0.5)
	cases := []struct {
		name string
		p    Payload
	}{
		{"unknown action", Payload{Action: "hodl", Symbol: "BTCUSDT"}},
		{"empty symbol", Payload{Action: "buy", Symbol: "  "}},
		{"update_sl without sl", Payload{Action: "update_sl", Symbol: "BTCUSDT"}},
		{"update_tp without tp", Payload{Action: "update_tp", Symbol: "BTCUSDT"}},
		{"negative sl", Payload{Action: "buy", Symbol: "BTCUSDT", SL: &neg}},
		{"half size override", Payload{Action: "buy", Symbol: "BTCUSDT", SizeValue: &v}},
		{"bad size mode", Payload{Action: "buy", Symbol: "BTCUSDT", SizeMode: "kelly", SizeValue: &v}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := FromPayload(tc.p, time.Now()); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
