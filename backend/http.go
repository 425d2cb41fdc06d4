package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"fastgen-go/fastgen"
)

// stepEntry is the wire form of one batch entry: the sequence id, the token
// slice to process this step, and the block table the remote cache should
// write into.
type stepEntry struct {
	SeqID      int64 `json:"seq_id"`
	TokenIDs   []int `json:"token_ids"`
	BlockTable []int `json:"block_table"`
	IsDecode   bool  `json:"is_decode"`
}

type stepRequest struct {
	Entries []stepEntry `json:"entries"`
}

type stepResponse struct {
	Results []struct {
		SeqID   int64 `json:"seq_id"`
		TokenID int   `json:"token_id"`
	} `json:"results"`
}

// HTTPExecutor submits batches to a remote model server over JSON/HTTP. The
// remote side owns the actual KV cache tensors; block tables tell it where
// each sequence's cache lives.
type HTTPExecutor struct {
	serverURL string
	client    *http.Client
}

// NewHTTPExecutor connects to a model server and verifies it responds.
func NewHTTPExecutor(serverURL string) (*HTTPExecutor, error) {
	ex := &HTTPExecutor{
		serverURL: serverURL,
		client:    &http.Client{},
	}
	resp, err := ex.client.Get(serverURL + "/info")
	if err != nil {
		return nil, fmt.Errorf("failed to connect to model server: %w", err)
	}
	resp.Body.Close()
	return ex, nil
}

func (m *HTTPExecutor) Name() string { return "http" }

func (m *HTTPExecutor) Execute(ctx context.Context, batch *fastgen.Batch) ([]fastgen.StepResult, error) {
	req := stepRequest{Entries: make([]stepEntry, 0, batch.NumSeqs())}
	for _, e := range batch.Decode {
		req.Entries = append(req.Entries, toWire(e, true))
	}
	for _, e := range batch.Prefill {
		req.Entries = append(req.Entries, toWire(e, false))
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, &fastgen.ExecutionError{Backend: m.Name(), Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.serverURL+"/step", bytes.NewReader(body))
	if err != nil {
		return nil, &fastgen.ExecutionError{Backend: m.Name(), Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(httpReq)
	if err != nil {
		return nil, &fastgen.ExecutionError{Backend: m.Name(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &fastgen.ExecutionError{
			Backend: m.Name(),
			Err:     fmt.Errorf("model server returned %s", resp.Status),
		}
	}

	var out stepResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &fastgen.ExecutionError{Backend: m.Name(), Err: err}
	}

	results := make([]fastgen.StepResult, 0, len(out.Results))
	for _, r := range out.Results {
		results = append(results, fastgen.StepResult{SeqID: r.SeqID, TokenID: r.TokenID})
	}
	return results, nil
}

func toWire(e fastgen.BatchEntry, isDecode bool) stepEntry {
	return stepEntry{
		SeqID:      e.Seq.SeqID,
		TokenIDs:   e.TokenSlice(),
		BlockTable: e.Seq.BlockTable,
		IsDecode:   isDecode,
	}
}

func (m *HTTPExecutor) Close() error {
	m.client.CloseIdleConnections()
	return nil
}
