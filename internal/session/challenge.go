package session

import (
	"encoding/base64"
	"fmt"
	"io"

	"github.com/mdp/qrterminal/v3"
	"github.com/skip2/go-qrcode"
)

// EncodeChallenge renders a pairing code as a PNG data URL the panel can put
// straight into an <img> tag.
func EncodeChallenge(code string) (string, error) {
	if code == "" {
		return "", fmt.Errorf("empty pairing code")
	}
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		return "", fmt.Errorf("encode qr: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// terminalEncoder wraps EncodeChallenge and also prints the code to w.
func terminalEncoder(w io.Writer) func(string) (string, error) {
	return func(code string) (string, error) {
		if code != "" {
			qrterminal.GenerateHalfBlock(code, qrterminal.L, w)
		}
		return EncodeChallenge(code)
	}
}
