// Package controller coordinates one relay request end to end: selection,
// the outbound exchange with failover, breaker and affinity bookkeeping,
// billing and the asynchronous log write.
package controller

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v7"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/causewayapi/causeway/common"
	"github.com/causewayapi/causeway/common/client"
	"github.com/causewayapi/causeway/common/config"
	"github.com/causewayapi/causeway/common/graceful"
	"github.com/causewayapi/causeway/common/logger"
	"github.com/causewayapi/causeway/common/metrics"
	"github.com/causewayapi/causeway/model"
	"github.com/causewayapi/causeway/relay/billing"
	"github.com/causewayapi/causeway/relay/breaker"
	"github.com/causewayapi/causeway/relay/headercomp"
	"github.com/causewayapi/causeway/relay/meta"
	relaymodel "github.com/causewayapi/causeway/relay/model"
	"github.com/causewayapi/causeway/relay/pricing"
	"github.com/causewayapi/causeway/relay/proxy"
	"github.com/causewayapi/causeway/relay/routing"
)

// Attempt failure classifications recorded in failover history.
const (
	errTypeNetwork     = "network_error"
	errTypeTimeout     = "timeout"
	errTypeUpstream5xx = "upstream_5xx"
	errTypeRateLimited = "rate_limited"
	errTypeAuth        = "upstream_auth"
	errTypeConfig      = "config_error"
)

// errorBodyLimit bounds how much of an upstream error body is kept for the
// failover history and the mirrored response.
const errorBodyLimit = 32 * 1024

// Relayer is the request-path coordinator. One instance serves the whole
// process; the header rule set swaps atomically on reload.
type Relayer struct {
	Router  *routing.Router
	Catalog *pricing.Catalog
	Client  *http.Client

	headers atomic.Pointer[headercomp.Builder]
}

// NewRelayer wires the coordinator over the shared state and loads the
// header rules.
func NewRelayer(router *routing.Router, catalog *pricing.Catalog) *Relayer {
	r := &Relayer{
		Router:  router,
		Catalog: catalog,
		Client:  client.HTTPClient,
	}
	r.headers.Store(headercomp.NewBuilder(nil))
	return r
}

// ReloadHeaderRules re-reads compensation_rules and swaps the builder.
func (r *Relayer) ReloadHeaderRules() error {
	rules, err := model.ListCompensationRules()
	if err != nil {
		return err
	}
	r.headers.Store(headercomp.NewBuilder(rules))
	return nil
}

// Relay serves one ingress request.
func (r *Relayer) Relay(c *gin.Context) {
	lg := gmw.GetLogger(c)
	m := meta.GetByContext(c)
	if m == nil {
		respondError(c, relaymodel.InternalError(errors.New("relay meta missing"), "internal_error"))
		return
	}

	body, err := common.GetRequestBody(c)
	if err != nil {
		respondError(c, relaymodel.ErrorWrapper(err, "invalid_request", http.StatusBadRequest))
		return
	}

	routingStart := time.Now()
	sel, err := r.Router.Select(m)
	if err != nil {
		lg.Warn("no eligible upstream",
			zap.String("capability", string(m.Capability)),
			zap.String("model", m.RequestModel))
		werr := relaymodel.ErrorWrapper(err, "no_available_upstream", http.StatusServiceUnavailable)
		if errors.Is(err, routing.ErrKeyForbidden) {
			werr = relaymodel.ErrorWrapper(err, "key_not_allowed", http.StatusForbidden)
		}
		respondError(c, werr)
		r.persist(c, m, nil, "", nil, nil, outcome{
			statusCode:   werr.StatusCode,
			routingMs:    time.Since(routingStart).Milliseconds(),
			errorMessage: err.Error(),
		})
		return
	}

	var lastErr *relaymodel.ErrorWithStatusCode
	for {
		attempt, err := sel.Next()
		if err != nil {
			break
		}
		routingMs := time.Since(routingStart).Milliseconds()
		relayErr, served := r.serveAttempt(c, m, sel, attempt, body, routingMs)
		if served {
			return
		}
		if relayErr != nil {
			lastErr = relayErr
		}
	}

	if lastErr == nil {
		lastErr = relaymodel.ErrorWrapper(routing.ErrNoEligibleUpstream,
			"no_available_upstream", http.StatusServiceUnavailable)
	}
	respondError(c, lastErr)
	r.persist(c, m, sel, "", nil, nil, outcome{
		statusCode:   lastErr.StatusCode,
		routingMs:    time.Since(routingStart).Milliseconds(),
		errorMessage: lastErr.Message,
	})
}

// outcome gathers the per-request values the log writer needs.
type outcome struct {
	statusCode   int
	routingMs    int64
	ttftMs       *int64
	isStream     bool
	errorMessage string
	headerDiff   *headercomp.Diff
}

// serveAttempt runs one upstream exchange. The second return is true when a
// response, success or mirrored error, was delivered downstream and the
// request is finished.
func (r *Relayer) serveAttempt(c *gin.Context, m *meta.Meta, sel *routing.Selection,
	attempt *routing.Attempt, body []byte, routingMs int64) (*relaymodel.ErrorWithStatusCode, bool) {

	lg := gmw.GetLogger(c)
	up := attempt.Upstream
	brk := r.Router.Breakers.Get(up.Id)

	outHeaders, diff := r.headers.Load().Build(c.Request.Header, m.Capability)

	ctx, cancel := context.WithTimeout(gmw.Ctx(c), proxy.AttemptTimeout(up))
	defer cancel()
	req, err := proxy.BuildRequest(ctx, m, up, attempt.OutboundModel, outHeaders, body)
	if err != nil {
		brk.Release()
		sel.Fail(up, errTypeConfig, err.Error(), 0)
		lg.Error("build outbound request", zap.String("upstream", up.Name), zap.Error(err))
		return relaymodel.InternalError(err, "upstream_config_error"), false
	}

	started := time.Now()
	resp, err := r.Client.Do(req)
	if err != nil {
		if c.Request.Context().Err() != nil {
			// The client went away; nothing to retry and nobody to answer.
			brk.Release()
			r.persist(c, m, sel, attempt.OutboundModel, up, nil, outcome{
				statusCode:   499,
				routingMs:    routingMs,
				errorMessage: "client disconnected before upstream response",
				headerDiff:   diff,
			})
			return nil, true
		}
		errType := errTypeNetwork
		if errors.Is(err, context.DeadlineExceeded) {
			errType = errTypeTimeout
		}
		brk.RecordFailure()
		sel.Fail(up, errType, common.TruncateForLog(err.Error(), 512), 0)
		lg.Warn("upstream attempt failed",
			zap.String("upstream", up.Name), zap.String("type", errType), zap.Error(err))
		return relaymodel.ErrorWrapper(err, "upstream_unreachable", http.StatusBadGateway), false
	}

	if retryErr := r.classifyRetryable(resp, up, brk, sel); retryErr != nil {
		return retryErr, false
	}

	// From here the response is delivered downstream, whatever its status.
	// Re-establishing an existing binding would zero the accumulated
	// migration metric, so only bind on first contact or after a failover
	// moved the session.
	if m.SessionID != "" {
		if b, ok := r.Router.Affinity.Get(m.SessionID); !ok || b.UpstreamId != up.Id {
			r.Router.Affinity.Establish(m.SessionID, up.Id)
		}
	}

	defer resp.Body.Close()
	isEventStream := strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream")
	var result *proxy.Result
	var relayErr error
	if isEventStream {
		proxy.CopyResponseHeaders(c, resp.Header)
		c.Status(resp.StatusCode)
		result, relayErr = proxy.RelayStream(c, resp.Body, started)
	} else {
		result, relayErr = proxy.RelayNonStream(c, resp.StatusCode, resp.Header, resp.Body, started)
	}

	o := outcome{
		statusCode: resp.StatusCode,
		routingMs:  routingMs,
		ttftMs:     result.TTFTMs,
		isStream:   isEventStream,
		headerDiff: diff,
	}
	switch {
	case relayErr == nil:
		brk.RecordSuccess()
	case c.Request.Context().Err() != nil:
		// Client disconnect mid-body; not the upstream's fault.
		brk.Release()
		o.errorMessage = "client disconnected mid-response"
	default:
		// The upstream aborted before the body completed.
		brk.RecordFailure()
		o.errorMessage = common.TruncateForLog(relayErr.Error(), 512)
	}

	if m.SessionID != "" && result != nil {
		r.accumulateAffinity(m.SessionID, up, result)
	}
	if result.TTFTMs != nil {
		metrics.GlobalRecorder.RecordTimeToFirstToken(up.Name, m.RequestModel,
			time.Duration(*result.TTFTMs)*time.Millisecond)
	}
	r.persist(c, m, sel, attempt.OutboundModel, up, result, o)
	return nil, true
}

// classifyRetryable decides whether a response status fails over. It
// consumes and closes the body of retried responses.
func (r *Relayer) classifyRetryable(resp *http.Response, up *model.Upstream,
	brk *breaker.Breaker, sel *routing.Selection) *relaymodel.ErrorWithStatusCode {

	var errType string
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		errType = errTypeRateLimited
		brk.RecordRateLimited()
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		// A rejected upstream credential is a configuration problem, not an
		// availability signal; fail over without touching the breaker.
		errType = errTypeAuth
		brk.Release()
	case resp.StatusCode >= 500:
		errType = errTypeUpstream5xx
		brk.RecordFailure()
	default:
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	_ = resp.Body.Close()
	message := common.TruncateForLog(string(snippet), 512)
	sel.Fail(up, errType, message, resp.StatusCode)
	return relaymodel.UpstreamError(resp.StatusCode, message)
}

// accumulateAffinity advances the session's migration metric per the
// upstream's configured unit.
func (r *Relayer) accumulateAffinity(sessionId string, up *model.Upstream, result *proxy.Result) {
	mig := up.GetAffinityMigration()
	if mig == nil || !mig.Enabled {
		return
	}
	var delta int64
	switch mig.Metric {
	case model.AffinityMetricTokens:
		if result.Usage != nil {
			delta = result.Usage.TotalTokens
		}
	case model.AffinityMetricLength:
		delta = result.BytesWritten
	}
	r.Router.Affinity.Accumulate(sessionId, delta)
}

// persist computes billing and writes the request log plus its snapshot off
// the response path.
func (r *Relayer) persist(c *gin.Context, m *meta.Meta, sel *routing.Selection,
	outboundModel string, up *model.Upstream, result *proxy.Result, o outcome) {

	var resultUsage *relaymodel.Usage
	if result != nil {
		resultUsage = result.Usage
	}

	var price *pricing.Price
	inMult, outMult := 1.0, 1.0
	var upstreamId *int64
	upstreamName := ""
	if up != nil {
		id := up.Id
		upstreamId = &id
		upstreamName = up.Name
		inMult, outMult = up.BillingInputMultiplier, up.BillingOutputMultiplier
		if outboundModel != "" {
			price = r.Catalog.PriceOf(outboundModel)
		}
	}

	log := &model.RequestLog{
		Id:         m.RequestID,
		UpstreamId: upstreamId,
		Method:     m.Method,
		Path:       c.Request.URL.Path,
		Model:      m.RequestModel,

		StatusCode:        o.statusCode,
		DurationMs:        time.Since(m.StartTime).Milliseconds(),
		RoutingDurationMs: o.routingMs,
		TtftMs:            o.ttftMs,
		IsStream:          o.isStream,
		ErrorMessage:      o.errorMessage,

		SessionId:          m.SessionID,
		SessionCompensated: m.SessionCompensated || (o.headerDiff != nil && o.headerDiff.SessionCompensated()),
	}
	if m.ApiKey != nil {
		keyId := m.ApiKey.Id
		log.ApiKeyId = &keyId
	}
	if resultUsage != nil {
		log.PromptTokens = resultUsage.PromptTokens
		log.CompletionTokens = resultUsage.CompletionTokens
		log.TotalTokens = resultUsage.TotalTokens
		log.CachedTokens = resultUsage.CacheReadTokens
		log.CacheReadTokens = resultUsage.CacheReadTokens
		log.CacheCreationTokens = resultUsage.CacheCreationTokens
		log.ReasoningTokens = resultUsage.ReasoningTokens
	}
	if sel != nil {
		log.AffinityHit = sel.AffinityHit()
		log.AffinityMigrated = sel.Migrated()
		if err := log.SetRouting(sel.RoutingInfo()); err != nil {
			gmw.GetLogger(c).Warn("encode routing info", zap.Error(err))
		}
	}
	if config.DebugLogHeaders && o.headerDiff != nil {
		if raw, err := json.Marshal(o.headerDiff); err == nil {
			s := string(raw)
			log.HeaderDiff = &s
		}
	}

	snapshot := billing.Snapshot(log.Id, upstreamId, outboundModel, resultUsage, price, inMult, outMult)
	metrics.GlobalRecorder.RecordBillingOutcome(snapshot.BillingStatus, snapshot.UnbillableReason, snapshot.FinalCostUSD)
	if snapshot.BillingStatus == model.BillingStatusBilled && up != nil {
		r.Router.Quota.RecordSpending(up.Id, snapshot.FinalCostUSD)
	}
	if up != nil {
		var prompt, completion int64
		if resultUsage != nil {
			prompt, completion = resultUsage.PromptTokens, resultUsage.CompletionTokens
		}
		metrics.GlobalRecorder.RecordRelayRequest(m.StartTime, up.Id, upstreamName,
			string(m.Capability), m.RequestModel, statusLabel(o.statusCode), o.isStream,
			prompt, completion, snapshot.FinalCostUSD)
	}

	graceful.GoCritical(gmw.BackgroundCtx(c), "persist-request-log", func(ctx context.Context) {
		if err := model.CreateRequestLogWithSnapshot(log, snapshot); err != nil {
			logger.FromContext(ctx).Error("persist request log",
				zap.String("request_id", log.Id), zap.Error(err))
		}
	})
}

func statusLabel(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "success"
	case code == http.StatusTooManyRequests:
		return "rate_limited"
	case code >= 500:
		return "upstream_error"
	default:
		return "client_error"
	}
}

// respondError writes the client-facing error envelope, skipping the write
// when a response already started.
func respondError(c *gin.Context, err *relaymodel.ErrorWithStatusCode) {
	code, ok := err.Code.(string)
	if !ok || code == "" {
		code = "unknown"
	}
	metrics.GlobalRecorder.RecordError(code, "relay")
	if c.Writer.Written() {
		return
	}
	c.JSON(err.StatusCode, gin.H{"error": err.Error})
}
