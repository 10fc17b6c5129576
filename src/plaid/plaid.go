// Package plaid implements the aggregator provider over the Plaid API.
package plaid

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/plaid/plaid-go/v41/plaid"

	"link-server/src/aggregator"
	"link-server/src/config"
)

// NewPlaidClient builds an API client for env, which is "sandbox",
// "production", or an explicit base URL.
func NewPlaidClient(clientID, secret, env string, httpClient *http.Client) (*plaid.APIClient, error) {
	configuration := plaid.NewConfiguration()
	configuration.AddDefaultHeader("PLAID-CLIENT-ID", clientID)
	configuration.AddDefaultHeader("PLAID-SECRET", secret)
	if httpClient != nil {
		configuration.HTTPClient = httpClient
	}

	switch {
	case env == "sandbox":
		configuration.UseEnvironment(plaid.Sandbox)
	case env == "production":
		configuration.UseEnvironment(plaid.Production)
	case strings.HasPrefix(env, "http://") || strings.HasPrefix(env, "https://"):
		configuration.UseEnvironment(plaid.Environment(env))
	default:
		return nil, fmt.Errorf("invalid Plaid environment: %s", env)
	}

	return plaid.NewAPIClient(configuration), nil
}

// Gateway implements aggregator.API. Every method makes exactly one request.
type Gateway struct {
	client       *plaid.APIClient
	clientName   string
	webhookURL   string
	products     []plaid.Products
	countryCodes []plaid.CountryCode
}

var _ aggregator.API = (*Gateway)(nil)

func NewGateway(client *plaid.APIClient, cfg config.PlaidConfig) (*Gateway, error) {
	g := &Gateway{
		client:     client,
		clientName: cfg.ClientName,
		webhookURL: cfg.WebhookURL,
	}
	for _, p := range cfg.Products {
		product, err := plaid.NewProductsFromValue(p)
		if err != nil {
			return nil, fmt.Errorf("unsupported Plaid product %q: %w", p, err)
		}
		g.products = append(g.products, *product)
	}
	for _, c := range cfg.CountryCodes {
		code, err := plaid.NewCountryCodeFromValue(c)
		if err != nil {
			return nil, fmt.Errorf("unsupported country code %q: %w", c, err)
		}
		g.countryCodes = append(g.countryCodes, *code)
	}
	return g, nil
}

func (g *Gateway) CreateLinkToken(ctx context.Context, userID string) (aggregator.LinkToken, error) {
	user := plaid.LinkTokenCreateRequestUser{
		ClientUserId: userID,
	}
	request := plaid.NewLinkTokenCreateRequest(g.clientName, "en", g.countryCodes)
	request.SetUser(user)
	request.SetProducts(g.products)
	if g.webhookURL != "" {
		request.SetWebhook(g.webhookURL)
	}

	resp, httpResp, err := g.client.PlaidApi.LinkTokenCreate(ctx).LinkTokenCreateRequest(*request).Execute()
	if err != nil {
		return aggregator.LinkToken{}, classify("link_token_create", ctx, httpResp, err)
	}
	return aggregator.LinkToken{
		Token:     resp.GetLinkToken(),
		ExpiresAt: resp.GetExpiration(),
	}, nil
}

func (g *Gateway) ExchangePublicToken(ctx context.Context, publicToken string) (aggregator.Exchange, error) {
	request := plaid.NewItemPublicTokenExchangeRequest(publicToken)
	resp, httpResp, err := g.client.PlaidApi.ItemPublicTokenExchange(ctx).ItemPublicTokenExchangeRequest(*request).Execute()
	if err != nil {
		return aggregator.Exchange{}, classify("public_token_exchange", ctx, httpResp, err)
	}
	return aggregator.Exchange{
		AccessToken: resp.GetAccessToken(),
		ItemID:      resp.GetItemId(),
	}, nil
}

func (g *Gateway) RemoveItem(ctx context.Context, accessToken string) error {
	request := plaid.NewItemRemoveRequest(accessToken)
	_, httpResp, err := g.client.PlaidApi.ItemRemove(ctx).ItemRemoveRequest(*request).Execute()
	if err != nil {
		return classify("item_remove", ctx, httpResp, err)
	}
	return nil
}

// classify maps a plaid-go failure onto aggregator error kinds. A nil
// response means the request never got an answer.
func classify(op string, ctx context.Context, httpResp *http.Response, err error) error {
	if httpResp == nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &aggregator.Error{Op: op, Kind: aggregator.KindTimeout, Detail: "request timed out", Err: err}
		}
		return &aggregator.Error{Op: op, Kind: aggregator.KindTransient, Detail: "no response from aggregator", Err: err}
	}

	aggErr := &aggregator.Error{
		Op:        op,
		Kind:      aggregator.KindTransient,
		Status:    httpResp.StatusCode,
		Responded: true,
		Err:       err,
	}
	if httpResp.StatusCode >= 400 && httpResp.StatusCode < 500 {
		aggErr.Kind = aggregator.KindRejected
	}
	if plaidErr, convErr := plaid.ToPlaidError(err); convErr == nil {
		aggErr.Code = plaidErr.ErrorCode
		aggErr.Detail = plaidErr.ErrorMessage
	}
	if aggErr.Detail == "" {
		aggErr.Detail = http.StatusText(httpResp.StatusCode)
	}
	return aggErr
}
