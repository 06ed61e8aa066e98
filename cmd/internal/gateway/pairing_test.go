package gateway

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"
)

func TestQRRenderer_RendersPNGDataURL(t *testing.T) {
	out, err := QRRenderer{Size: 128}.Render("2@abc,def,ghi")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	b64, ok := strings.CutPrefix(out, "data:image/png;base64,")
	if !ok {
		t.Fatalf("missing data URL prefix: %.40q", out)
	}
	png, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(png) < 8 || string(png[1:4]) != "PNG" {
		t.Fatalf("not a PNG")
	}

	if _, err := (QRRenderer{}).Render(""); err == nil {
		t.Fatalf("expected error for empty code")
	}
}

func TestPairingCache_LatestWins(t *testing.T) {
	c := NewPairingCache()
	now := time.Now()

	c.Put(PairingArtifact{Key: "42_ventas", Code: "a", IssuedAt: now})
	c.Put(PairingArtifact{Key: "42_ventas", Code: "b", IssuedAt: now.Add(time.Second)})

	got, ok := c.Get("42_ventas")
	if !ok || got.Code != "b" {
		t.Fatalf("Get: %+v %v", got, ok)
	}

	c.Clear("42_ventas")
	if _, ok := c.Get("42_ventas"); ok {
		t.Fatalf("expected cleared artifact")
	}
}
