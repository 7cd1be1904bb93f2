package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	libconstants "github.com/filswan/go-swan-lib/constants"
	"github.com/lagrangedao/go-compute-market/constants"
	"github.com/lagrangedao/go-compute-market/util"
	"github.com/urfave/cli/v2"
)

type marketClient struct {
	base string
	http *http.Client
}

func newClient(cctx *cli.Context) *marketClient {
	return &marketClient{
		base: strings.TrimRight(cctx.String(FlagAPI), "/") + constants.API_BASE_PATH,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

type rawResponse struct {
	util.BasicResponse
	Data json.RawMessage `json:"data,omitempty"`
}

// call sends body as JSON and decodes the envelope's data into out.
func (c *marketClient) call(method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewBuffer(payload)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Add("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s failed, error: %w", method, path, err)
	}
	defer resp.Body.Close()

	var r rawResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return fmt.Errorf("decode response of %s %s (http %d): %w", method, path, resp.StatusCode, err)
	}
	if r.Status != libconstants.SWAN_API_STATUS_SUCCESS {
		return fmt.Errorf("%s (code %d)", r.Message, r.Code)
	}
	if out != nil && len(r.Data) > 0 {
		return json.Unmarshal(r.Data, out)
	}
	return nil
}
