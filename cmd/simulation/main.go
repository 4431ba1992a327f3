// End-to-end exercise of the journal API: generates an NDJSON fixture,
// ingests it twice to confirm idempotency, runs the completion pass, and
// fetches positions and the performance summary.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const serverAddress = "http://localhost:8080"

func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type client struct {
	baseURL   string
	authToken string
	http      *http.Client
}

func newClient() *client {
	return &client{
		baseURL: serverAddress,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *client) call(method, path string, body interface{}) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%s %s: bad response: %w", method, path, err)
	}
	if !parsed.Success {
		msg := "unknown error"
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return nil, fmt.Errorf("%s %s: %s", method, path, msg)
	}

	log.Debug().
		Str("method", method).
		Str("path", path).
		Dur("duration", time.Since(started)).
		Msg("api call")
	return parsed.Data, nil
}

func (c *client) authenticate() error {
	apiKey := os.Getenv("API_KEY")
	apiSecret := os.Getenv("API_SECRET")
	data, err := c.call("POST", "/api/v1/auth/token", map[string]string{
		"api_key":    apiKey,
		"api_secret": apiSecret,
	})
	if err != nil {
		return err
	}

	var token struct {
		Token string `json:"jwt_token"`
	}
	if err := json.Unmarshal(data, &token); err != nil {
		return err
	}
	c.authToken = token.Token
	return nil
}

// writeFixture writes a scripted NDJSON file: a scaled-in long in AAPL
// closed in one fill, a short round trip in MSFT, and a position flip in
// GOOGL that leaves a short open.
func writeFixture() (string, error) {
	base := time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)
	records := []map[string]interface{}{
		fill(1, base, "AAPL", "BUY", 100, 10.00, "TO OPEN"),
		fill(2, base.Add(5*time.Minute), "AAPL", "BUY", 100, 12.00, "TO OPEN"),
		fill(3, base.Add(30*time.Minute), "AAPL", "SELL", 150, 15.00, "TO CLOSE"),
		fill(4, base.Add(45*time.Minute), "AAPL", "SELL", 50, 14.00, "TO CLOSE"),
		fill(5, base.Add(time.Hour), "MSFT", "SELL", 200, 50.00, "TO OPEN"),
		fill(6, base.Add(2*time.Hour), "MSFT", "BUY", 200, 45.00, "TO CLOSE"),
		fill(7, base.Add(3*time.Hour), "GOOGL", "BUY", 80, 100.00, "TO OPEN"),
		fill(8, base.Add(4*time.Hour), "GOOGL", "SELL", 120, 110.00, "TO CLOSE"),
	}

	path := filepath.Join(os.TempDir(), "journal-simulation.ndjson")
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, record := range records {
		if err := enc.Encode(record); err != nil {
			return "", err
		}
	}
	return path, nil
}

func fill(row int, ts time.Time, symbol, side string, qty int64, price float64, effect string) map[string]interface{} {
	return map[string]interface{}{
		"section":    "fills",
		"row_index":  row,
		"raw":        fmt.Sprintf("%s,%s,%d,%.2f,%s", symbol, side, qty, price, effect),
		"exec_time":  ts.Format(time.RFC3339),
		"event_type": "fill",
		"asset_type": "STOCK",
		"symbol":     symbol,
		"side":       side,
		"qty":        qty,
		"price":      price,
		"net_price":  price,
		"pos_effect": effect,
	}
}

func main() {
	fixture, err := writeFixture()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to write fixture")
	}
	log.Info().Str("file", fixture).Msg("wrote simulation fixture")

	c := newClient()
	if err := c.authenticate(); err != nil {
		log.Fatal().Err(err).Msg("authentication failed")
	}

	type ingestResult struct {
		Inserted          int `json:"inserted"`
		SkippedDuplicates int `json:"skipped_duplicates"`
		Failed            int `json:"failed"`
	}

	ingestOnce := func(run int) ingestResult {
		data, err := c.call("POST", "/api/v1/ingest", map[string]interface{}{
			"file_path": fixture,
			"atomic":    true,
		})
		if err != nil {
			log.Fatal().Err(err).Int("run", run).Msg("ingestion failed")
		}
		var result ingestResult
		if err := json.Unmarshal(data, &result); err != nil {
			log.Fatal().Err(err).Msg("bad ingest result")
		}
		log.Info().
			Int("run", run).
			Int("inserted", result.Inserted).
			Int("skipped_duplicates", result.SkippedDuplicates).
			Int("failed", result.Failed).
			Msg("ingestion run complete")
		return result
	}

	first := ingestOnce(1)
	second := ingestOnce(2)

	if second.Inserted != 0 || second.SkippedDuplicates != first.Inserted {
		log.Error().
			Int("second_inserted", second.Inserted).
			Int("second_skipped", second.SkippedDuplicates).
			Msg("idempotency check FAILED: second run should skip every record")
	} else {
		log.Info().Msg("idempotency check passed")
	}

	data, err := c.call("POST", "/api/v1/trades/process", nil)
	if err != nil {
		log.Fatal().Err(err).Msg("trade completion failed")
	}
	var completed []json.RawMessage
	_ = json.Unmarshal(data, &completed)
	log.Info().Int("completed_trades", len(completed)).Msg("completion pass finished")

	if data, err = c.call("GET", "/api/v1/positions", nil); err != nil {
		log.Fatal().Err(err).Msg("failed to fetch open positions")
	}
	var open []struct {
		Symbol     string `json:"symbol"`
		CurrentQty int64  `json:"current_qty"`
	}
	_ = json.Unmarshal(data, &open)
	for _, pos := range open {
		log.Info().Str("symbol", pos.Symbol).Int64("qty", pos.CurrentQty).Msg("open position")
	}

	if data, err = c.call("GET", "/api/v1/trades/summary", nil); err != nil {
		log.Fatal().Err(err).Msg("failed to fetch summary")
	}
	log.Info().RawJSON("summary", data).Msg("trade performance summary")
}
