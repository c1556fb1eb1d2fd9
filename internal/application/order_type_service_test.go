package application_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"archie-core-clover-layer/internal/application"
	"archie-core-clover-layer/internal/domain"
	"archie-core-clover-layer/internal/ports"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSession(t *testing.T, conns *fakeConnections, businessID int64) *application.TokenSession {
	t.Helper()
	conn, err := conns.GetByBusinessID(context.Background(), businessID)
	require.NoError(t, err)
	manager := application.NewTokenManager(conns, &fakeTokenEndpoint{}, nil, zerolog.Nop())
	session, err := manager.Open(context.Background(), conn)
	require.NoError(t, err)
	return session
}

func TestOrderTypeService_Ensure(t *testing.T) {
	t.Run("matches an existing type by alias ignoring case and punctuation", func(t *testing.T) {
		pos := newFakePOS()
		pos.orderTypes = []ports.POSOrderType{
			{"id": "DINE", "label": "Dine In"},
			{"id": "OT9", "label": "pick-up (ONLINE)"},
		}
		conns := newFakeConnections(connection(time.Hour))
		svc := application.NewOrderTypeService(pos, conns, nil, zerolog.Nop())

		ref, err := svc.Ensure(context.Background(), openSession(t, conns, 7), false)
		require.NoError(t, err)
		assert.Equal(t, "OT9", ref.ID)
		assert.False(t, ref.Created)
		assert.Zero(t, pos.callCount("CreateOrderType"))
		assert.Equal(t, "OT9", conns.byBusiness[7].FulfillmentOrderTypeID)
	})

	t.Run("creates the type from the pickup system template", func(t *testing.T) {
		pos := newFakePOS()
		pos.orderTypes = []ports.POSOrderType{{"id": "DINE", "label": "Dine In"}}
		pos.systemOrderTypes = []ports.POSOrderType{
			{"id": "DINE_IN", "label": "Dine in"},
			{"id": "TAKE_OUT", "label": "Take out"},
		}
		conns := newFakeConnections(connection(time.Hour))
		svc := application.NewOrderTypeService(pos, conns, nil, zerolog.Nop())

		ref, err := svc.Ensure(context.Background(), openSession(t, conns, 7), false)
		require.NoError(t, err)
		assert.Equal(t, "OT-NEW", ref.ID)
		assert.Equal(t, "Pickup (Online)", ref.Name)
		assert.True(t, ref.Created)

		require.Len(t, pos.createBodies, 1)
		body := pos.createBodies[0]
		assert.Equal(t, "Pickup (Online)", body["label"])
		assert.Equal(t, "TAKE_OUT", body["systemOrderTypeId"])
		assert.Equal(t, false, body["taxable"])
		assert.Equal(t, 1, conns.orderTypeSets)
	})

	t.Run("falls back to the next payload shape when one is rejected", func(t *testing.T) {
		pos := newFakePOS()
		pos.systemOrderTypes = []ports.POSOrderType{{"id": "PICKUP", "label": "Pick up"}}
		attempts := 0
		pos.createOrderType = func(body map[string]any) (ports.POSOrderType, error) {
			attempts++
			if _, templated := body["systemOrderTypeId"]; templated {
				return nil, &domain.UpstreamError{Method: http.MethodPost, Status: http.StatusBadRequest, Body: "bad field"}
			}
			return ports.POSOrderType{"id": "OT-PLAIN"}, nil
		}
		conns := newFakeConnections(connection(time.Hour))
		svc := application.NewOrderTypeService(pos, conns, nil, zerolog.Nop())

		ref, err := svc.Ensure(context.Background(), openSession(t, conns, 7), false)
		require.NoError(t, err)
		assert.Equal(t, "OT-PLAIN", ref.ID)
		assert.Equal(t, 2, attempts)
	})

	t.Run("fails when every payload shape is rejected", func(t *testing.T) {
		pos := newFakePOS()
		pos.createOrderType = func(map[string]any) (ports.POSOrderType, error) {
			return nil, &domain.UpstreamError{Method: http.MethodPost, Status: http.StatusBadRequest}
		}
		conns := newFakeConnections(connection(time.Hour))
		svc := application.NewOrderTypeService(pos, conns, nil, zerolog.Nop())

		_, err := svc.Ensure(context.Background(), openSession(t, conns, 7), false)
		require.Error(t, err)
		assert.Equal(t, 3, pos.callCount("CreateOrderType"))
		assert.Zero(t, conns.orderTypeSets)
	})

	t.Run("a cached id skips the platform", func(t *testing.T) {
		pos := newFakePOS()
		conn := connection(time.Hour)
		conn.FulfillmentOrderTypeID = "OT-CACHED"
		conn.FulfillmentOrderTypeName = "Pickup (Online)"
		conns := newFakeConnections(conn)
		svc := application.NewOrderTypeService(pos, conns, nil, zerolog.Nop())

		ref, err := svc.Ensure(context.Background(), openSession(t, conns, 7), true)
		require.NoError(t, err)
		assert.Equal(t, "OT-CACHED", ref.ID)
		assert.Zero(t, pos.callCount("ListOrderTypes"))
	})

	t.Run("an uncached ensure revalidates a stale id", func(t *testing.T) {
		pos := newFakePOS()
		pos.orderTypes = []ports.POSOrderType{{"id": "OT-FRESH", "name": "Pickup (Online)"}}
		conn := connection(time.Hour)
		conn.FulfillmentOrderTypeID = "OT-GONE"
		conns := newFakeConnections(conn)
		svc := application.NewOrderTypeService(pos, conns, nil, zerolog.Nop())

		ref, err := svc.Ensure(context.Background(), openSession(t, conns, 7), false)
		require.NoError(t, err)
		assert.Equal(t, "OT-FRESH", ref.ID)
		assert.Equal(t, "OT-FRESH", conns.byBusiness[7].FulfillmentOrderTypeID)
	})

	t.Run("custom aliases", func(t *testing.T) {
		pos := newFakePOS()
		pos.orderTypes = []ports.POSOrderType{{"id": "OT-WEB", "label": "Web Order"}}
		conns := newFakeConnections(connection(time.Hour))
		svc := application.NewOrderTypeService(pos, conns, []string{"Web Order"}, zerolog.Nop())

		ref, err := svc.Ensure(context.Background(), openSession(t, conns, 7), false)
		require.NoError(t, err)
		assert.Equal(t, "OT-WEB", ref.ID)
	})
}
