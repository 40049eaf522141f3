// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

// The dematsocial-sync-helper service.
package main

// HTTP client for the Démat Social GraphQL API.
//
// Requests are authenticated with the API token as a bearer token and
// throttled to DEMAT_SOCIAL_RATE_PER_MINUTE, which is shared by every
// démarche imported by this process.

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	dematSocialRequestTimeout = 30 * time.Second
	dematSocialPageSize       = 100
	maxErrorBodyLength        = 512
)

const listDossiersQuery = `
query listDossiers($demarcheNumber: Int!, $first: Int, $after: String, $updatedSince: ISO8601DateTime) {
  demarche(number: $demarcheNumber) {
    dossiers(first: $first, after: $after, updatedSince: $updatedSince) {
      pageInfo { hasNextPage endCursor }
      nodes { id number state dateDepot dateDerniereModification }
    }
  }
}`

const getDossierQuery = `
query getDossier($dossierNumber: Int!) {
  dossier(number: $dossierNumber) {
    id
    number
    state
    dateDepot
    dateDerniereModification
    usager { email }
    demandeur {
      __typename
      ... on PersonnePhysique { civilite nom prenom email }
    }
    champs {
      ...ChampFragment
      ... on RepetitionChamp { champs { ...ChampFragment } }
    }
  }
}

fragment ChampFragment on Champ {
  id
  label
  stringValue
  __typename
  ... on AddressChamp {
    address {
      label type streetAddress streetNumber streetName postalCode cityName cityCode
      departmentName departmentCode regionName regionCode
    }
  }
  ... on CheckboxChamp { checked }
  ... on CiviliteChamp { civilite: value }
  ... on CommuneChamp { commune { name code postalCode } departement { name code } }
  ... on DateChamp { date }
  ... on DatetimeChamp { datetime }
  ... on DecimalNumberChamp { decimalNumber }
  ... on DepartementChamp { departement { name code } }
  ... on EpciChamp { epci { name code } }
  ... on IntegerNumberChamp { integerNumber }
  ... on LinkedDropDownListChamp { primaryValue secondaryValue }
  ... on MultipleDropDownListChamp { values }
  ... on PaysChamp { pays { name code } }
  ... on PieceJustificativeChamp { files { filename url contentType byteSize checksum } }
  ... on RegionChamp { region { name code } }
}`

const passerEnInstructionMutation = `
mutation dossierPasserEnInstruction($input: DossierPasserEnInstructionInput!) {
  dossierPasserEnInstruction(input: $input) {
    errors { message }
  }
}`

// dematSocialClient is the dossierSource backed by the Démat Social API.
type dematSocialClient struct {
	httpClient    *http.Client
	endpoint      string
	instructeurID string
	limiter       *rate.Limiter
}

// newDematSocialClient creates the API client from the configuration.
func newDematSocialClient(cfg *Config) *dematSocialClient {
	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: cfg.DematSocialAPIToken,
		TokenType:   "Bearer",
	})
	httpClient := oauth2.NewClient(context.Background(), tokenSource)
	httpClient.Timeout = dematSocialRequestTimeout

	return &dematSocialClient{
		httpClient:    httpClient,
		endpoint:      cfg.DematSocialAPIURL.String(),
		instructeurID: cfg.InstructeurID,
		limiter:       rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.DematSocialRateLimit)), 1),
	}
}

type graphQLRequest struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName"`
	Variables     map[string]any `json:"variables"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors"`
}

// do sends one GraphQL operation and decodes its data into out.
func (c *dematSocialClient) do(ctx context.Context, op, query string, variables map[string]any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &remoteError{Op: op, Err: err}
	}

	payload, err := json.Marshal(graphQLRequest{Query: query, OperationName: op, Variables: variables})
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &remoteError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &remoteError{Op: op, Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return &remoteError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(truncate(string(body), maxErrorBodyLength))}
	}

	var gqlResp graphQLResponse
	if err := json.Unmarshal(body, &gqlResp); err != nil {
		return &remoteError{Op: op, Err: fmt.Errorf("failed to unmarshal response: %w", err)}
	}
	if len(gqlResp.Errors) > 0 {
		messages := make([]string, 0, len(gqlResp.Errors))
		for _, e := range gqlResp.Errors {
			messages = append(messages, e.Message)
		}
		return &remoteError{Op: op, Err: errors.New(strings.Join(messages, "; "))}
	}

	if out != nil {
		if err := json.Unmarshal(gqlResp.Data, out); err != nil {
			return fmt.Errorf("failed to unmarshal %s data: %w", op, err)
		}
	}
	return nil
}

// listSince lists the dossiers of a démarche updated since the given time,
// or all of them when since is nil.
func (c *dematSocialClient) listSince(ctx context.Context, demarcheNumber int, since *time.Time) ([]dossierCandidate, error) {
	var candidates []dossierCandidate
	var after *string

	for {
		variables := map[string]any{
			"demarcheNumber": demarcheNumber,
			"first":          dematSocialPageSize,
		}
		if after != nil {
			variables["after"] = *after
		}
		if since != nil {
			variables["updatedSince"] = since.UTC().Format(time.RFC3339)
		}

		var data struct {
			Demarche *struct {
				Dossiers struct {
					PageInfo struct {
						HasNextPage bool   `json:"hasNextPage"`
						EndCursor   string `json:"endCursor"`
					} `json:"pageInfo"`
					Nodes []dossierCandidate `json:"nodes"`
				} `json:"dossiers"`
			} `json:"demarche"`
		}
		if err := c.do(ctx, "listDossiers", listDossiersQuery, variables, &data); err != nil {
			return nil, err
		}
		if data.Demarche == nil {
			return nil, &remoteError{Op: "listDossiers", Err: fmt.Errorf("démarche %d not found", demarcheNumber)}
		}

		candidates = append(candidates, data.Demarche.Dossiers.Nodes...)

		pageInfo := data.Demarche.Dossiers.PageInfo
		if !pageInfo.HasNextPage || pageInfo.EndCursor == "" {
			break
		}
		cursor := pageInfo.EndCursor
		after = &cursor
	}

	return candidates, nil
}

// fetchDossier retrieves a dossier with its full champ tree.
func (c *dematSocialClient) fetchDossier(ctx context.Context, number int64) (*Dossier, error) {
	var data struct {
		Dossier *Dossier `json:"dossier"`
	}
	if err := c.do(ctx, "getDossier", getDossierQuery, map[string]any{"dossierNumber": number}, &data); err != nil {
		return nil, err
	}
	if data.Dossier == nil {
		return nil, &remoteError{Op: "getDossier", Err: fmt.Errorf("dossier %d not found", number)}
	}
	return data.Dossier, nil
}

// markInReview passes a dossier en instruction. It is a no-op when no
// instructeur is configured.
func (c *dematSocialClient) markInReview(ctx context.Context, dossierID string) error {
	if c.instructeurID == "" {
		logger.With("dossier_id", dossierID).DebugContext(ctx, "no instructeur configured, not passing dossier en instruction")
		return nil
	}

	variables := map[string]any{
		"input": map[string]any{
			"dossierId":     dossierID,
			"instructeurId": c.instructeurID,
		},
	}

	var data struct {
		DossierPasserEnInstruction *struct {
			Errors []graphQLError `json:"errors"`
		} `json:"dossierPasserEnInstruction"`
	}
	if err := c.do(ctx, "dossierPasserEnInstruction", passerEnInstructionMutation, variables, &data); err != nil {
		return err
	}

	if result := data.DossierPasserEnInstruction; result != nil && len(result.Errors) > 0 {
		messages := make([]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			messages = append(messages, e.Message)
		}
		return &remoteError{Op: "dossierPasserEnInstruction", Err: errors.New(strings.Join(messages, "; "))}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
