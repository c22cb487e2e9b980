package solver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/haricheung/stlpilot/internal/region"
	"github.com/haricheung/stlpilot/internal/types"
)

// StatusOptimal is the only oracle status accepted as a solution.
const StatusOptimal = "optimal"

// Request is the wire form of one trajectory-synthesis problem. Position
// bounds are null (unbounded) on the wire.
type Request struct {
	Spec            string          `json:"spec"`
	Regions         []region.Region `json:"regions"`
	A               [6][6]float64   `json:"A"`
	B               [6][3]float64   `json:"B"`
	X0              types.State     `json:"x0"`
	N               int             `json:"N"`
	Dt              float64         `json:"dt"`
	Q               [6][6]float64   `json:"Q"`
	R               [3][3]float64   `json:"R"`
	UMin            types.Control   `json:"u_min"`
	UMax            types.Control   `json:"u_max"`
	XMin            []*float64      `json:"x_min"`
	XMax            []*float64      `json:"x_max"`
	IncludeDynamics bool            `json:"include_dynamics"`
	TimeLimitS      float64         `json:"time_limit_s,omitempty"`
}

// Response is the oracle's answer. X has N+1 rows of 6, U has N rows of 3;
// null entries mean the solver produced no value.
type Response struct {
	Status     string       `json:"status"`
	X          [][]*float64 `json:"x"`
	U          [][]*float64 `json:"u"`
	Message    string       `json:"message,omitempty"`
	SolveTimeS float64      `json:"solve_time_s,omitempty"`
}

// Oracle is the external MICP solver.
type Oracle interface {
	Solve(ctx context.Context, req Request) (Response, error)
}

// HTTPOracle posts requests as JSON to {baseURL}/solve.
type HTTPOracle struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPOracle returns an oracle client. timeout bounds the whole HTTP
// exchange; zero means no client-side limit.
func NewHTTPOracle(baseURL string, timeout time.Duration) *HTTPOracle {
	return &HTTPOracle{
		baseURL:    strings.TrimSuffix(strings.TrimRight(baseURL, "/"), "/solve"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Solve sends req and decodes the oracle response.
//
// Expectations:
//   - POSTs JSON to {baseURL}/solve
//   - Returns the decoded Response on HTTP 200
//   - Returns an error carrying the status code on non-200
//   - Returns an error on undecodable bodies
func (o *HTTPOracle) Solve(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("solver: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/solve", bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("solver: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("solver: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("solver: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Response{}, fmt.Errorf("solver: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	var out Response
	if err := json.Unmarshal(respBody, &out); err != nil {
		return Response{}, fmt.Errorf("solver: unmarshal response: %w", err)
	}
	log.Printf("[SOLVER] oracle status=%s N=%d dynamics=%v %dms", out.Status, req.N, req.IncludeDynamics, time.Since(start).Milliseconds())
	return out, nil
}
