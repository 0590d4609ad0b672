package api

import (
	"encoding/base64"
	"errors"
	"strings"

	skipqrcode "github.com/skip2/go-qrcode"
)

const defaultQRSize = 256

var errEmptyQR = errors.New("empty QR payload")

// qrDataURI renders payload as a PNG data URI for direct use in <img src>.
func qrDataURI(payload string, size int) (string, error) {
	if strings.TrimSpace(payload) == "" {
		return "", errEmptyQR
	}
	if size <= 0 {
		size = defaultQRSize
	}
	png, err := skipqrcode.Encode(payload, skipqrcode.Medium, size)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
