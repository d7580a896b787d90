package gateway

import "testing"

func TestBuildQuerySorted(t *testing.T) {
	q := BuildQuery(map[string]string{
		"symbol":   "BTCUSDT",
		"category": "linear",
	})
	if q != "category=linear&symbol=BTCUSDT" {
		t.Errorf("query = %q", q)
	}
}

func TestBuildQueryEmpty(t *testing.T) {
	if q := BuildQuery(nil); q != "" {
		t.Errorf("query = %q, want empty", q)
	}
}

// 已知向量，与交易所文档的签名算法对齐。
func TestSignV5KnownVector(t *testing.T) {
	sig := SignV5("top-secret", "api-key", 1690000000000, 5000, "category=linear&symbol=BTCUSDT")
	want := "2a0a7bebff955b63f78eb569e32a799ab0644944f9010968d0d2cf94e95d87bc"
	if sig != want {
		t.Errorf("sig = %s, want %s", sig, want)
	}
}

func TestSignV5PayloadSensitive(t *testing.T) {
	a := SignV5("s", "k", 1, 5000, "a=1")
	b := SignV5("s", "k", 1, 5000, "a=2")
	if a == b {
		t.Error("different payloads produced identical signatures")
	}
	if len(a) != 64 {
		t.Errorf("signature length = %d, want 64 hex chars", len(a))
	}
}
