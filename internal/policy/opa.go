// Copyright 2025 Celine Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/celine-io/dataset-gateway/internal/util"
)

// OPAConfig configures the Open Policy Agent client.
type OPAConfig struct {
	URL     string        `yaml:"url" validate:"required"`
	Package string        `yaml:"package" validate:"required"`
	Timeout time.Duration `yaml:"timeout"`
	// Disabled skips policy evaluation and allows everything. Deployment
	// environments without an agent set this explicitly.
	Disabled bool `yaml:"disabled"`
}

// OPA queries an Open Policy Agent data API for access decisions.
type OPA struct {
	base    string
	pkg     string
	client  *http.Client
	retries uint
}

// NewOPA returns an OPA engine for the agent at cfg.URL evaluating
// data.<package>.
func NewOPA(cfg OPAConfig) *OPA {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &OPA{
		base:    strings.TrimRight(cfg.URL, "/"),
		pkg:     strings.ReplaceAll(cfg.Package, ".", "/"),
		client:  &http.Client{Timeout: timeout},
		retries: 2,
	}
}

type opaRequest struct {
	Input Input `json:"input"`
}

type opaResponse struct {
	Result *Decision `json:"result"`
}

// Decide posts the input document to the agent. Transient transport and 5xx
// failures are retried with exponential backoff before surfacing as an
// upstream error. An agent response without a result document is a deny.
func (o *OPA) Decide(ctx context.Context, input Input) (Decision, error) {
	body, err := json.Marshal(opaRequest{Input: input})
	if err != nil {
		return Decision{}, util.WrapError(util.KindUpstream, "Policy input encoding failed", err)
	}
	url := fmt.Sprintf("%s/v1/data/%s", o.base, o.pkg)

	operation := func() (Decision, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return Decision{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := o.client.Do(req)
		if err != nil {
			return Decision{}, err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			io.Copy(io.Discard, resp.Body)
			return Decision{}, fmt.Errorf("policy agent returned %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return Decision{}, backoff.Permanent(fmt.Errorf("policy agent returned %d", resp.StatusCode))
		}

		var out opaResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return Decision{}, backoff.Permanent(fmt.Errorf("decoding policy response: %w", err))
		}
		if out.Result == nil {
			// Undefined decision: the policy package does not exist or
			// produced no document. Fail closed.
			return Decision{Allow: false, Reason: "policy produced no decision"}, nil
		}
		return *out.Result, nil
	}

	decision, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(o.retries+1))
	if err != nil {
		return Decision{}, util.WrapError(util.KindUpstream, "Policy engine unavailable", err)
	}
	return decision, nil
}
