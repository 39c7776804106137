package binance

import "testing"

// Vector from the Binance API documentation signature example.
func TestSignMatchesDocumentedVector(t *testing.T) {
	secret := "NhqPtmdSJYdKjVHjA7PZj4Mge3R5YNiP1e3UZjInClVN65XAbvqqM6A7H5fATj0j"
	payload := "symbol=LTCBTC&side=BUY&type=LIMIT&timeInForce=GTC&quantity=1&price=0.1&recvWindow=5000&timestamp=1499827319559"
	want := "c8db56825ae71d6d79447849e617115f4a920fa2acdcab2b053c4b2838bd6b71"

	if got := sign(payload, secret); got != want {
		t.Fatalf("sign()=%s, expected %s", got, want)
	}
}

func TestFormatFloat(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0.1, "0.1"},
		{0.00001, "0.00001"},
		{45000, "45000"},
		{45450.5, "45450.5"},
		{0.15000000000000002, "0.15000000000000002"},
	}
	for _, tt := range tests {
		if got := formatFloat(tt.in); got != tt.want {
			t.Errorf("formatFloat(%v)=%q, expected %q", tt.in, got, tt.want)
		}
	}
}
