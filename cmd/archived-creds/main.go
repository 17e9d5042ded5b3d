// archived-creds outputs OAuth client credentials as JSON.
// Built with ldflags in CI and shipped alongside the main binary so a
// from-source build never needs the client secret compiled in.
//
// Build:
//
//	go build -ldflags "-X 'main.GoogleClientID=...' -X 'main.GoogleClientSecret=...' -X 'main.MicrosoftClientID=...'" -o archived-creds
package main

import (
	"encoding/json"
	"fmt"
	"os"
)

var (
	GoogleClientID     string
	GoogleClientSecret string
	MicrosoftClientID  string
)

func main() {
	creds := map[string]string{
		"google_client_id":     GoogleClientID,
		"google_client_secret": GoogleClientSecret,
		"microsoft_client_id":  MicrosoftClientID,
	}
	data, err := json.Marshal(creds)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal credentials: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(string(data))
}
