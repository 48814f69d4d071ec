package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/marketdesk/trading-mcp/cmd/mcp-server/auth"
	"github.com/marketdesk/trading-mcp/internal/common"
	"github.com/marketdesk/trading-mcp/internal/models"
	"github.com/marketdesk/trading-mcp/internal/platform"
	"github.com/marketdesk/trading-mcp/internal/storage"
	"github.com/marketdesk/trading-mcp/pkg/mcp"
)

// TradingHandler exposes the linked brokerage credentials as MCP tools.
// Tokens never leave the handler; only account metadata is returned.
type TradingHandler struct {
	creds  storage.CredentialStore
	logger *common.Logger
}

// NewTradingHandler creates the credential tool handler.
func NewTradingHandler(creds storage.CredentialStore, logger *common.Logger) *TradingHandler {
	return &TradingHandler{creds: creds, logger: logger}
}

// RegisterTools registers the credential tools on the MCP server.
func (h *TradingHandler) RegisterTools(server *mcp.Server) {
	platformSchema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"platform": map[string]interface{}{
				"type":        "string",
				"description": "Trading platform (tradier or schwab)",
			},
			"environment": map[string]interface{}{
				"type":        "string",
				"description": "Platform environment (sandbox or production), defaults to production",
			},
		},
		"required": []string{"platform"},
	}

	server.RegisterTool(mcp.Tool{
		Name:        "list_credentials",
		Description: "List the brokerage accounts linked to the current user",
		InputSchema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{},
		},
	}, h.ListCredentials)

	server.RegisterTool(mcp.Tool{
		Name:        "credential_status",
		Description: "Report whether a linked brokerage credential is still valid",
		InputSchema: platformSchema,
	}, h.CredentialStatus)

	server.RegisterTool(mcp.Tool{
		Name:        "get_account_id",
		Description: "Get the brokerage account identifier for a linked platform",
		InputSchema: platformSchema,
	}, h.GetAccountID)
}

// ListCredentials lists linked platforms for the authenticated user.
func (h *TradingHandler) ListCredentials(ctx context.Context, _ map[string]interface{}) (mcp.ToolResult, error) {
	user, ok := auth.ExtractUserFromContext(ctx)
	if !ok {
		return mcp.ErrorResult("not authenticated"), nil
	}

	creds, err := h.creds.ListCredentials(ctx, user.UserID)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", user.UserID).Msg("credential listing failed")
		return mcp.ErrorResult("failed to list credentials"), nil
	}

	type entry struct {
		Platform       string     `json:"platform"`
		Environment    string     `json:"environment"`
		AccountID      string     `json:"account_id"`
		TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
	}
	entries := make([]entry, 0, len(creds))
	for _, cred := range creds {
		entries = append(entries, entry{
			Platform:       cred.Platform,
			Environment:    cred.Environment,
			AccountID:      cred.AccountID,
			TokenExpiresAt: cred.TokenExpiresAt,
		})
	}

	payload, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return mcp.ErrorResult("failed to encode credentials"), nil
	}
	return mcp.TextResult(string(payload)), nil
}

// CredentialStatus reports expiry state for one linked platform.
func (h *TradingHandler) CredentialStatus(ctx context.Context, args map[string]interface{}) (mcp.ToolResult, error) {
	cred, errResult := h.lookup(ctx, args)
	if errResult != nil {
		return *errResult, nil
	}

	status := map[string]interface{}{
		"platform":    cred.Platform,
		"environment": cred.Environment,
		"linked":      true,
		"expired":     cred.Expired(time.Now()),
	}
	if cred.TokenExpiresAt != nil {
		status["token_expires_at"] = cred.TokenExpiresAt.UTC().Format(time.RFC3339)
	}

	payload, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return mcp.ErrorResult("failed to encode status"), nil
	}
	return mcp.TextResult(string(payload)), nil
}

// GetAccountID returns the decrypted account identifier for one platform.
func (h *TradingHandler) GetAccountID(ctx context.Context, args map[string]interface{}) (mcp.ToolResult, error) {
	cred, errResult := h.lookup(ctx, args)
	if errResult != nil {
		return *errResult, nil
	}
	return mcp.TextResult(cred.AccountID), nil
}

// lookup resolves the (user, platform, environment) credential for a tool
// call, normalizing arguments first.
func (h *TradingHandler) lookup(ctx context.Context, args map[string]interface{}) (*models.BrokerCredential, *mcp.ToolResult) {
	user, ok := auth.ExtractUserFromContext(ctx)
	if !ok {
		result := mcp.ErrorResult("not authenticated")
		return nil, &result
	}

	platformArg, _ := args["platform"].(string)
	envArg, _ := args["environment"].(string)
	if envArg == "" {
		envArg = string(platform.Production)
	}
	p, env, err := platform.Parse(platformArg, envArg)
	if err != nil {
		result := mcp.ErrorResult(err.Error())
		return nil, &result
	}

	cred, err := h.creds.GetCredentials(ctx, user.UserID, string(p), string(env))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			result := mcp.ErrorResult(fmt.Sprintf("no %s %s account linked", p, env))
			return nil, &result
		}
		h.logger.Error().Err(err).Str("user_id", user.UserID).Msg("credential lookup failed")
		result := mcp.ErrorResult("failed to load credentials")
		return nil, &result
	}
	return cred, nil
}
