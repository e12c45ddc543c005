package api

import (
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"lexiquest-sync/domain"
)

// sessionCookieName carries the same JWT the Authorization header would;
// either credential is accepted.
const sessionCookieName = "session"

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, store Storage, auth Authenticator, arch Archiver, logger *log.Logger) {
	e.POST("/api/sync", postSync(store, auth, arch, logger))
	e.POST("/api/sync-fast", postSyncFast(store, auth, arch, logger))
	e.GET("/api/totals", getTotals(store, auth))
	e.GET("/healthz", healthz())
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

func credentialHeader(c echo.Context) string {
	h := c.Request().Header.Get(echo.HeaderAuthorization)
	if h == "" {
		if ck, err := c.Cookie(sessionCookieName); err == nil && ck.Value != "" {
			h = "Bearer " + ck.Value
		}
	}
	return h
}

func decodeBatch(c echo.Context) (syncRequest, error) {
	lr := io.LimitReader(c.Request().Body, syncMaxBodySize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()

	var req syncRequest
	if err := dec.Decode(&req); err != nil {
		return syncRequest{}, err
	}
	return req, nil
}

// crossSubject reports whether any event in the batch claims a subject other
// than the authenticated one. Such batches are rejected whole, never
// silently filtered.
func crossSubject(events []domain.Event, subjectID string) bool {
	for _, ev := range events {
		if ev.SubjectID != subjectID {
			return true
		}
	}
	return false
}

// applyBatch applies each event independently. Malformed events become
// permanent per-event errors; well-formed siblings still process.
func applyBatch(c echo.Context, store Storage, arch Archiver, events []domain.Event) ([]domain.Result, []string) {
	ctx := c.Request().Context()
	results := make([]domain.Result, 0, len(events))
	accepted := make([]string, 0, len(events))
	for _, ev := range events {
		if err := ev.Validate(); err != nil {
			results = append(results, domain.Result{ID: ev.ID, Status: domain.StatusError, Error: err.Error(), Permanent: true})
			continue
		}
		res := domain.Apply(ctx, store, ev)
		if res.Status == domain.StatusProcessed && arch != nil {
			if err := arch.Record(ctx, ev.SubjectID, ev); err != nil {
				c.Logger().Errorf("archive event %s: %v", ev.ID, err)
			}
		}
		if res.Accepted() {
			accepted = append(accepted, res.ID)
		}
		results = append(results, res)
	}
	return results, accepted
}

func postSync(store Storage, auth Authenticator, arch Archiver, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newSyncRequestMetrics(ctx, logger, "/api/sync")
		if spanCtx != nil {
			c.SetRequest(c.Request().WithContext(spanCtx))
		}
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		subjectID, authErr := auth.SubjectFromAuthHeader(credentialHeader(c))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = c.String(http.StatusUnauthorized, authErr.Error())
			return err
		}

		decodeStart := time.Now()
		req, decErr := decodeBatch(c)
		metrics.ObserveDecode(time.Since(decodeStart))
		if decErr != nil {
			metrics.SetErrorStage("decode")
			err = c.String(http.StatusBadRequest, "invalid body")
			return err
		}
		metrics.SetEventsReceived(len(req.Events))
		if len(req.Events) == 0 {
			metrics.SetErrorStage("empty_batch")
			err = c.String(http.StatusBadRequest, "empty batch")
			return err
		}
		if crossSubject(req.Events, subjectID) {
			metrics.SetErrorStage("cross_subject")
			err = c.String(http.StatusForbidden, "batch contains foreign subject")
			return err
		}

		applyStart := time.Now()
		results, accepted := applyBatch(c, store, arch, req.Events)
		metrics.ObserveApply(time.Since(applyStart))
		metrics.SetOutcomes(results)

		totals, totalsErr := store.Totals(c.Request().Context(), subjectID)
		if totalsErr != nil {
			// The batch is settled in the ledger; a retried delivery is a
			// pure no-op, so failing here is safe.
			metrics.SetErrorStage("totals")
			c.Logger().Error(totalsErr)
			err = c.String(http.StatusInternalServerError, totalsErr.Error())
			return err
		}

		err = c.JSON(http.StatusOK, syncResponse{Results: results, AcceptedIDs: accepted, Totals: totals})
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

// postSyncFast is the teardown path. The client is mid-navigation and will
// not retry on failure, so after authentication the handler answers 200 no
// matter what went wrong internally; a lost event resurfaces on the next
// normal flush and the ledger absorbs the redelivery.
func postSyncFast(store Storage, auth Authenticator, arch Archiver, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newSyncRequestMetrics(ctx, logger, "/api/sync-fast")
		if spanCtx != nil {
			c.SetRequest(c.Request().WithContext(spanCtx))
		}
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		subjectID, authErr := auth.SubjectFromAuthHeader(credentialHeader(c))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = c.String(http.StatusUnauthorized, authErr.Error())
			return err
		}

		decodeStart := time.Now()
		req, decErr := decodeBatch(c)
		metrics.ObserveDecode(time.Since(decodeStart))
		if decErr != nil {
			metrics.SetErrorStage("decode")
			err = c.JSON(http.StatusOK, syncResponse{Results: []domain.Result{}, AcceptedIDs: []string{}})
			return err
		}
		metrics.SetEventsReceived(len(req.Events))
		if crossSubject(req.Events, subjectID) {
			metrics.SetErrorStage("cross_subject")
			err = c.String(http.StatusForbidden, "batch contains foreign subject")
			return err
		}

		applyStart := time.Now()
		results, accepted := applyBatch(c, store, arch, req.Events)
		metrics.ObserveApply(time.Since(applyStart))
		metrics.SetOutcomes(results)

		totals, totalsErr := store.Totals(c.Request().Context(), subjectID)
		if totalsErr != nil {
			c.Logger().Error(totalsErr)
		}

		err = c.JSON(http.StatusOK, syncResponse{Results: results, AcceptedIDs: accepted, Totals: totals})
		return err
	}
}

func getTotals(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		subjectID, err := auth.SubjectFromAuthHeader(credentialHeader(c))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		totals, err := store.Totals(c.Request().Context(), subjectID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, totals)
	}
}
