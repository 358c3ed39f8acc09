package sso

import (
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-print"
	"github.com/goliatone/go-router"
)

// RouteRegistrar captures the router methods used by the controller.
type RouteRegistrar interface {
	Get(path string, handler router.HandlerFunc, mw ...router.MiddlewareFunc) router.RouteInfo
	Post(path string, handler router.HandlerFunc, mw ...router.MiddlewareFunc) router.RouteInfo
	Delete(path string, handler router.HandlerFunc, mw ...router.MiddlewareFunc) router.RouteInfo
}

type HTTPRoutes struct {
	Login           string
	Verify          string
	Inspect         string
	RecoveryRequest string
	RecoveryReset   string
	PasswordChange  string
	JWKS            string
}

// HTTPConfig configures the JSON API.
type HTTPConfig struct {
	Debug        bool
	DebugInspect bool
	Routes       *HTTPRoutes
}

// HTTPController exposes the Authority as a JSON API.
type HTTPController struct {
	authority *Authority
	config    HTTPConfig
	logger    Logger
}

func DefaultHTTPRoutes() *HTTPRoutes {
	return &HTTPRoutes{
		Login:           "/api/v1/login/",
		Verify:          "/api/v1/token/verify/",
		Inspect:         "/api/v1/token/inspect/",
		RecoveryRequest: "/api/v1/password/recover/request/",
		RecoveryReset:   "/api/v1/password/recover/reset/",
		PasswordChange:  "/api/v1/password/change/",
		JWKS:            "/.well-known/jwks.json",
	}
}

func NewHTTPController(authority *Authority, cfg HTTPConfig) *HTTPController {
	if cfg.Routes == nil {
		cfg.Routes = DefaultHTTPRoutes()
	}

	return &HTTPController{
		authority: authority,
		config:    cfg,
		logger:    defLogger{},
	}
}

func (c *HTTPController) WithLogger(l Logger) *HTTPController {
	c.logger = normalizeLogger(l)
	return c
}

// RegisterRoutes mounts the API. Every action path only accepts POST, the
// other registered methods answer 405.
func (c *HTTPController) RegisterRoutes(group RouteRegistrar) {
	r := c.config.Routes

	c.post(group, r.Login, c.Login)
	c.post(group, r.Verify, c.VerifyToken)
	c.post(group, r.RecoveryRequest, c.RequestRecovery)
	c.post(group, r.RecoveryReset, c.ResetPassword)
	c.post(group, r.PasswordChange, c.ChangePassword)

	if c.config.DebugInspect {
		c.post(group, r.Inspect, c.InspectToken)
	}

	group.Get(r.JWKS, c.JWKS)
}

func (c *HTTPController) post(group RouteRegistrar, path string, handler router.HandlerFunc) {
	group.Post(path, handler)
	group.Get(path, c.MethodNotAllowed)
	group.Delete(path, c.MethodNotAllowed)
}

// LoginPayload is the login request body
type LoginPayload struct {
	Username string `json:"username" form:"username"`
	Password string `json:"password" form:"password"`
	Audience string `json:"audience" form:"audience"`
}

// Validate will run validation rules. Audience field errors report
// INVALID_AUDIENCE, username and password field errors INVALID_CREDENTIALS.
func (p LoginPayload) Validate() error {
	err := validation.ValidateStruct(&p,
		validation.Field(&p.Username, validation.Required),
		validation.Field(&p.Password, validation.Required),
		validation.Field(&p.Audience, validation.Required),
	)

	var fields validation.Errors
	if !errors.As(err, &fields) {
		return err
	}

	if _, ok := fields["audience"]; ok {
		return unknownAudience(map[string]any{"field": "audience"})
	}
	return cloneWithMetadata(ErrInvalidCredentials, map[string]any{"field": "credentials"})
}

func (c *HTTPController) Login(ctx router.Context) error {
	payload := new(LoginPayload)
	if err := ctx.Bind(payload); err != nil {
		return c.fail(ctx, malformed(err))
	}

	if err := payload.Validate(); err != nil {
		return c.fail(ctx, err)
	}

	if c.config.Debug {
		c.logger.Debug("login payload: %s", print.MaybePrettyJSON(map[string]string{
			"username": payload.Username,
			"audience": payload.Audience,
		}))
	}

	res, err := c.authority.Login(ctx.Context(), LoginInput{
		Username: payload.Username,
		Password: payload.Password,
		Audience: payload.Audience,
	})
	if err != nil {
		return c.fail(ctx, err)
	}

	return ctx.JSON(http.StatusOK, map[string]string{
		"redirect": res.RedirectURL,
	})
}

// TokenPayload carries a token and optionally the audience to pin.
type TokenPayload struct {
	Token    string `json:"token" form:"token"`
	Audience string `json:"audience" form:"audience"`
}

// Validate will run validation rules
func (p TokenPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Token, validation.Required),
	)
}

func (c *HTTPController) VerifyToken(ctx router.Context) error {
	payload := new(TokenPayload)
	if err := ctx.Bind(payload); err != nil {
		return c.fail(ctx, malformed(err))
	}

	if err := payload.Validate(); err != nil {
		return c.fail(ctx, malformed(err))
	}

	claims, err := c.authority.Verify(ctx.Context(), payload.Token, payload.Audience)
	if err != nil {
		return c.fail(ctx, err)
	}

	return ctx.JSON(http.StatusOK, claims)
}

func (c *HTTPController) InspectToken(ctx router.Context) error {
	payload := new(TokenPayload)
	if err := ctx.Bind(payload); err != nil {
		return c.fail(ctx, malformed(err))
	}

	if err := payload.Validate(); err != nil {
		return c.fail(ctx, malformed(err))
	}

	claims, err := c.authority.Inspect(ctx.Context(), payload.Token)
	if err != nil {
		return c.fail(ctx, err)
	}

	return ctx.JSON(http.StatusOK, map[string]any{
		"verified": false,
		"claims":   claims,
	})
}

// RecoveryRequestPayload starts password recovery
type RecoveryRequestPayload struct {
	Email string `json:"email" form:"email"`
}

func (c *HTTPController) RequestRecovery(ctx router.Context) error {
	payload := new(RecoveryRequestPayload)
	if err := ctx.Bind(payload); err != nil {
		return c.fail(ctx, ErrInvalidEmail)
	}

	if err := c.authority.RequestRecovery(ctx.Context(), payload.Email); err != nil {
		return c.fail(ctx, err)
	}

	return ctx.NoContent(http.StatusNoContent)
}

// RecoveryResetPayload redeems a recovery token
type RecoveryResetPayload struct {
	Token    string `json:"token" form:"token"`
	Password string `json:"password" form:"password"`
}

func (c *HTTPController) ResetPassword(ctx router.Context) error {
	payload := new(RecoveryResetPayload)
	if err := ctx.Bind(payload); err != nil {
		return c.fail(ctx, ErrInvalidToken)
	}

	if err := c.authority.ResetPassword(ctx.Context(), payload.Token, payload.Password); err != nil {
		return c.fail(ctx, err)
	}

	return ctx.NoContent(http.StatusNoContent)
}

// PasswordChangePayload is an authenticated password change
type PasswordChangePayload struct {
	Username    string `json:"username" form:"username"`
	OldPassword string `json:"old_password" form:"old_password"`
	NewPassword string `json:"new_password" form:"new_password"`
}

func (c *HTTPController) ChangePassword(ctx router.Context) error {
	payload := new(PasswordChangePayload)
	if err := ctx.Bind(payload); err != nil {
		return c.fail(ctx, ErrInvalidCredentials)
	}

	err := c.authority.ChangePassword(ctx.Context(), ChangePasswordInput{
		Username:    payload.Username,
		OldPassword: payload.OldPassword,
		NewPassword: payload.NewPassword,
	})
	if err != nil {
		return c.fail(ctx, err)
	}

	return ctx.NoContent(http.StatusNoContent)
}

func (c *HTTPController) JWKS(ctx router.Context) error {
	return ctx.JSON(http.StatusOK, c.authority.JWKS())
}

func (c *HTTPController) MethodNotAllowed(ctx router.Context) error {
	return ctx.JSON(http.StatusMethodNotAllowed, ErrorBody{Error: ErrorDetail{Type: "METHOD_NOT_ALLOWED"}})
}

func (c *HTTPController) fail(ctx router.Context, err error) error {
	status := StatusCode(err)
	if status >= http.StatusInternalServerError {
		c.logger.Error("request failed: %v", err)
	} else if c.config.Debug {
		c.logger.Debug("request rejected: %v", err)
	}
	return ctx.JSON(status, NewErrorBody(err))
}
