package httpapi

import "github.com/cmux/cmux-remote/internal/qrpair"

// renderPairPNG is a thin indirection that keeps the qrpair import out
// of handlers.go. The package links qrpair whether or not PairURL is
// set; only the GET /api/pair.png route depends on PairURL.
func renderPairPNG(url string) ([]byte, error) {
	return qrpair.PNG(url)
}
