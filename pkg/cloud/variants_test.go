package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func statusErr(status int) error {
	return &Error{Kind: classifyStatus(status), Status: status}
}

func TestVariantBody(t *testing.T) {
	params := map[string]any{"chargingLevel": 32, "connectorId": 1}

	t.Run("Camel", func(t *testing.T) {
		v := Variant{Method: http.MethodPost, Casing: CasingCamel, Fields: []string{"chargingLevel", "connectorId"}}
		b, err := v.Body(params)
		require.NoError(t, err)
		assert.JSONEq(t, `{"chargingLevel":32,"connectorId":1}`, string(b))
	})

	t.Run("Snake", func(t *testing.T) {
		v := Variant{Method: http.MethodPost, Casing: CasingSnake, Fields: []string{"chargingLevel", "connectorId"}}
		b, err := v.Body(params)
		require.NoError(t, err)
		assert.JSONEq(t, `{"charging_level":32,"connector_id":1}`, string(b))
	})

	t.Run("Subset", func(t *testing.T) {
		v := Variant{Method: http.MethodPost, Casing: CasingCamel, Fields: []string{"connectorId"}}
		b, err := v.Body(params)
		require.NoError(t, err)
		assert.JSONEq(t, `{"connectorId":1}`, string(b))
	})

	t.Run("Bodyless", func(t *testing.T) {
		b, err := Variant{Method: http.MethodPost}.Body(params)
		require.NoError(t, err)
		assert.Nil(t, b)
	})

	t.Run("URLPath", func(t *testing.T) {
		v := DefaultVariants()[OpStartCharging][0]
		assert.Equal(t, "/service/evse_controller/42/ev_chargers/EV1/start_charging", v.URLPath("42", "EV1"))
	})
}

func TestResolverExecute(t *testing.T) {
	ctx := context.Background()
	three := map[Operation][]Variant{
		OpStopCharging: {
			{Method: http.MethodPut, Path: "/a"},
			{Method: http.MethodPost, Path: "/a"},
			{Method: http.MethodPost, Path: "/b"},
		},
	}

	t.Run("FallsThroughAndCaches", func(t *testing.T) {
		r := NewResolver(three)
		var tried []string
		v, err := r.Execute(ctx, OpStopCharging, "EV1", func(_ context.Context, v Variant) error {
			tried = append(tried, v.String())
			if v.Path == "/b" {
				return nil
			}
			return statusErr(http.StatusNotFound)
		})
		require.NoError(t, err)
		assert.Equal(t, "/b", v.Path)
		assert.Equal(t, []string{"PUT /a", "POST /a", "POST /b"}, tried)

		cached, ok := r.Cached(OpStopCharging, "EV1")
		require.True(t, ok)
		assert.Equal(t, v, cached)

		_, ok = r.Cached(OpStopCharging, "EV2")
		assert.False(t, ok, "cache is per serial")

		tried = nil
		_, err = r.Execute(ctx, OpStopCharging, "EV1", func(_ context.Context, v Variant) error {
			tried = append(tried, v.String())
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"POST /b"}, tried)
	})

	t.Run("CachedFailureFallsBackToOthers", func(t *testing.T) {
		r := NewResolver(three)
		r.remember(OpStopCharging, "EV1", 2)
		var tried []string
		v, err := r.Execute(ctx, OpStopCharging, "EV1", func(_ context.Context, v Variant) error {
			tried = append(tried, v.String())
			if v.String() == "PUT /a" {
				return nil
			}
			return statusErr(http.StatusBadRequest)
		})
		require.NoError(t, err)
		assert.Equal(t, "PUT /a", v.String())
		assert.Equal(t, []string{"POST /b", "PUT /a"}, tried)
	})

	t.Run("NonShapeErrorStops", func(t *testing.T) {
		for _, status := range []int{http.StatusUnauthorized, http.StatusConflict, http.StatusTooManyRequests, http.StatusServiceUnavailable} {
			r := NewResolver(three)
			var calls int
			_, err := r.Execute(ctx, OpStopCharging, "EV1", func(context.Context, Variant) error {
				calls++
				return statusErr(status)
			})
			require.Error(t, err)
			assert.Equal(t, 1, calls, "status %d", status)
			assert.Equal(t, status, StatusOf(err))
			_, ok := r.Cached(OpStopCharging, "EV1")
			assert.False(t, ok)
		}
	})

	t.Run("TransportErrorStops", func(t *testing.T) {
		r := NewResolver(three)
		var calls int
		_, err := r.Execute(ctx, OpStopCharging, "EV1", func(context.Context, Variant) error {
			calls++
			return &Error{Kind: KindTransport, Err: io.ErrUnexpectedEOF}
		})
		assert.Equal(t, KindTransport, KindOf(err))
		assert.Equal(t, 1, calls)
	})

	t.Run("Exhausted", func(t *testing.T) {
		r := NewResolver(three)
		_, err := r.Execute(ctx, OpStopCharging, "EV1", func(context.Context, Variant) error {
			return statusErr(http.StatusNotFound)
		})
		var ex *ExhaustedError
		require.True(t, errors.As(err, &ex))
		assert.Len(t, ex.Failures, 3)
		assert.True(t, ex.AllValidation())
		assert.Equal(t, KindExhausted, KindOf(err))
	})

	t.Run("ExhaustedMixed", func(t *testing.T) {
		r := NewResolver(three)
		_, err := r.Execute(ctx, OpStopCharging, "EV1", func(_ context.Context, v Variant) error {
			if v.Method == http.MethodPut {
				return statusErr(http.StatusMethodNotAllowed)
			}
			return statusErr(http.StatusNotFound)
		})
		var ex *ExhaustedError
		require.True(t, errors.As(err, &ex))
		assert.False(t, ex.AllValidation())
	})

	t.Run("InvalidVariantsSkipped", func(t *testing.T) {
		r := NewResolver(three)
		_, err := r.Execute(ctx, OpStopCharging, "EV1", func(_ context.Context, v Variant) error {
			if v.Method == http.MethodPut {
				return statusErr(http.StatusMethodNotAllowed)
			}
			return statusErr(http.StatusUnsupportedMediaType)
		})
		require.Error(t, err)

		// every variant was refused, so all of them are tried again
		var tried int
		_, err = r.Execute(ctx, OpStopCharging, "EV1", func(context.Context, Variant) error {
			tried++
			return statusErr(http.StatusNotFound)
		})
		require.Error(t, err)
		assert.Equal(t, 3, tried)
	})

	t.Run("PartiallyInvalid", func(t *testing.T) {
		r := NewResolver(three)
		r.markInvalid(OpStopCharging, "EV1", 0)
		var tried []string
		_, err := r.Execute(ctx, OpStopCharging, "EV1", func(_ context.Context, v Variant) error {
			tried = append(tried, v.String())
			return statusErr(http.StatusNotFound)
		})
		require.Error(t, err)
		assert.Equal(t, []string{"POST /a", "POST /b"}, tried)
	})

	t.Run("UnknownOperation", func(t *testing.T) {
		r := NewResolver(three)
		_, err := r.Execute(ctx, OpTriggerMessage, "EV1", func(context.Context, Variant) error { return nil })
		assert.Error(t, err)
	})

	t.Run("CanceledContext", func(t *testing.T) {
		r := NewResolver(three)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		var calls int
		_, err := r.Execute(cctx, OpStopCharging, "EV1", func(context.Context, Variant) error {
			calls++
			return nil
		})
		assert.Equal(t, KindTransport, KindOf(err))
		assert.Zero(t, calls)
	})
}

func TestClientControl(t *testing.T) {
	t.Run("StartChargingFallsThroughToSnake", func(t *testing.T) {
		var bodies []map[string]any
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			if r.URL.Path != "/service/evse_controller/123/ev_chargers/EV1/start_charging" {
				http.Error(w, "not found", http.StatusNotFound)
				return
			}
			if r.Method == http.MethodPut {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			bodies = append(bodies, body)
			if _, ok := body["charging_level"]; !ok {
				w.WriteHeader(http.StatusUnprocessableEntity)
				w.Write([]byte(`{"message":"charging_level required"}`))
				return
			}
			w.Write([]byte(`{"status":"accepted"}`))
		}))
		defer ts.Close()

		c := newTestClient(ts)
		resp, err := c.StartCharging(context.Background(), "EV1", 32, 0)
		require.NoError(t, err)
		assert.True(t, resp.Accepted())
		assert.Equal(t, CasingSnake, resp.Variant.Casing)
		require.Len(t, bodies, 2)
		assert.Equal(t, map[string]any{"charging_level": float64(32), "connector_id": float64(1)}, bodies[1])

		cached, ok := c.Resolver().Cached(OpStartCharging, "EV1")
		require.True(t, ok)
		assert.Equal(t, resp.Variant, cached)
	})

	t.Run("ConflictReturnedImmediately", func(t *testing.T) {
		var calls int
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.WriteHeader(http.StatusConflict)
		}))
		defer ts.Close()

		_, err := newTestClient(ts).StopCharging(context.Background(), "EV1")
		require.Error(t, err)
		assert.Equal(t, http.StatusConflict, StatusOf(err))
		assert.Equal(t, 1, calls)
	})

	t.Run("LiveStreamDuration", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/service/evse_controller/123/ev_chargers/start_live_stream", r.URL.Path)
			w.Write([]byte(`{"status":"accepted","duration_s":900}`))
		}))
		defer ts.Close()

		resp, err := newTestClient(ts).StartLiveStream(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 900.0, resp.Duration.Seconds())
	})

	t.Run("SetChargeModeUsesBearer", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPut, r.Method)
			assert.Equal(t, "Bearer jwt", r.Header.Get("Authorization"))
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			assert.Equal(t, "GREEN_CHARGING", body["mode"])
			w.Write([]byte(`{"meta":{},"data":{}}`))
		}))
		defer ts.Close()

		resp, err := newTestClient(ts).SetChargeMode(context.Background(), "EV1", "GREEN_CHARGING")
		require.NoError(t, err)
		assert.True(t, resp.Accepted())
	})
}

func TestControlResponseAccepted(t *testing.T) {
	tests := []struct {
		resp ControlResponse
		want bool
	}{
		{ControlResponse{Status: 200}, true},
		{ControlResponse{Status: 202, BodyStatus: "Accepted"}, true},
		{ControlResponse{Status: 200, BodyStatus: "rejected"}, false},
		{ControlResponse{Status: 500}, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.resp.Accepted(), "%+v", tt.resp)
	}
}
