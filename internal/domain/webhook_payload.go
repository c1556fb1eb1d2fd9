package domain

import (
	"sort"
	"strconv"
	"strings"
)

// WebhookPayload is one of the body shapes the platform delivers:
// FlatPayload, WrappedPayload, MerchantMapPayload or OpaquePayload.
type WebhookPayload interface {
	payloadShape()
}

// FlatPayload is a single event object
type FlatPayload struct {
	Fields map[string]any
}

// WrappedPayload is a JSON array of payloads, in practice holding one element
type WrappedPayload struct {
	Items []WebhookPayload
}

// MerchantMapPayload groups events under a "merchants" key. Merchants is either a
// map keyed by merchant id or an array of merchant objects.
type MerchantMapPayload struct {
	Fields    map[string]any
	Merchants any
}

// OpaquePayload is anything that is not JSON structure (form-less raw text, scalars)
type OpaquePayload struct {
	Value any
}

func (FlatPayload) payloadShape()        {}
func (WrappedPayload) payloadShape()     {}
func (MerchantMapPayload) payloadShape() {}
func (OpaquePayload) payloadShape()      {}

// NormalizedWebhook is the I/O-free view of a delivery
type NormalizedWebhook struct {
	MerchantID string
	EventType  string
	Events     []EventRef
}

const maxWalkDepth = 4

var (
	objectIDKeys     = []string{"object_id", "objectId", "payment_id", "paymentId", "id"}
	merchantIDKeys   = []string{"merchant_id", "merchantId"}
	eventTypeKeys    = []string{"type", "eventType", "event_type", "event"}
	verificationKeys = []string{"verificationCode", "verification_code", "verification_code_id"}

	categoryKeys = map[string]bool{"events": true, "payments": true, "orders": true, "payment": true, "order": true}
	actionKeys   = map[string]bool{"created": true, "updated": true, "deleted": true}
)

// ClassifyPayload tags a decoded body with its shape
func ClassifyPayload(body any) WebhookPayload {
	switch v := body.(type) {
	case []any:
		items := make([]WebhookPayload, 0, len(v))
		for _, item := range v {
			items = append(items, ClassifyPayload(item))
		}
		return WrappedPayload{Items: items}
	case map[string]any:
		if merchants, ok := v["merchants"]; ok {
			switch merchants.(type) {
			case map[string]any, []any:
				return MerchantMapPayload{Fields: v, Merchants: merchants}
			}
		}
		return FlatPayload{Fields: v}
	}
	return OpaquePayload{Value: body}
}

// NormalizeWebhook walks a classified payload into event tuples
func NormalizeWebhook(p WebhookPayload) NormalizedWebhook {
	var n NormalizedWebhook

	switch v := p.(type) {
	case WrappedPayload:
		for _, item := range v.Items {
			inner := NormalizeWebhook(item)
			if n.MerchantID == "" {
				n.MerchantID = inner.MerchantID
			}
			if n.EventType == "" {
				n.EventType = inner.EventType
			}
			n.Events = append(n.Events, inner.Events...)
		}

	case FlatPayload:
		n.MerchantID = merchantIDOf(v.Fields)
		n.EventType = firstString(v.Fields, eventTypeKeys...)
		if raw := objectIDOf(v.Fields); raw != "" {
			n.Events = append(n.Events, newEventRef(n.MerchantID, raw, n.EventType))
		}

	case MerchantMapPayload:
		n.MerchantID = merchantIDOf(v.Fields)
		n.EventType = firstString(v.Fields, eventTypeKeys...)

		switch merchants := v.Merchants.(type) {
		case map[string]any:
			keys := sortedKeys(merchants)
			for _, merchantID := range keys {
				walkEvents(merchants[merchantID], merchantID, "", 0, &n.Events)
			}
			if n.MerchantID == "" && len(keys) == 1 {
				n.MerchantID = keys[0]
			}
		case []any:
			for _, entry := range merchants {
				fields, ok := entry.(map[string]any)
				if !ok {
					continue
				}
				merchantID := merchantIDOf(fields)
				if merchantID == "" {
					merchantID = stringOf(fields["id"])
				}
				if events, ok := fields["events"]; ok {
					walkEvents(events, merchantID, "", 0, &n.Events)
					continue
				}
				rest := make(map[string]any, len(fields))
				for k, val := range fields {
					if k == "id" || k == "merchant_id" || k == "merchantId" {
						continue
					}
					rest[k] = val
				}
				walkEvents(rest, merchantID, "", 0, &n.Events)
			}
		}
	}

	if n.MerchantID == "" {
		n.MerchantID = soleMerchant(n.Events)
	}
	if n.EventType == "" && len(n.Events) > 0 {
		n.EventType = n.Events[0].EventType
	}

	n.Events = dedupeEvents(n.Events, n.MerchantID)
	return n
}

// walkEvents collects events below a merchant node, bounded by maxWalkDepth
func walkEvents(node any, merchantID, hint string, depth int, out *[]EventRef) {
	if depth > maxWalkDepth {
		return
	}

	switch v := node.(type) {
	case string:
		if strings.TrimSpace(v) != "" {
			*out = append(*out, newEventRef(merchantID, v, hint))
		}
	case []any:
		for _, item := range v {
			walkEvents(item, merchantID, hint, depth+1, out)
		}
	case map[string]any:
		if raw := objectIDOf(v); raw != "" {
			eventType := firstString(v, eventTypeKeys...)
			if eventType == "" {
				eventType = hint
			}
			*out = append(*out, newEventRef(merchantID, raw, eventType))
			return
		}
		for _, key := range sortedKeys(v) {
			lower := strings.ToLower(key)
			switch {
			case categoryKeys[lower]:
				walkEvents(v[key], merchantID, strings.ToUpper(key), depth+1, out)
			case actionKeys[lower]:
				next := strings.ToUpper(key)
				if hint != "" {
					next = hint + "_" + next
				}
				walkEvents(v[key], merchantID, next, depth+1, out)
			case depth < 2 && isContainer(v[key]):
				walkEvents(v[key], merchantID, hint, depth+1, out)
			}
		}
	}
}

// SplitObjectID strips a "KIND:" or "kind/" prefix from a platform object id
func SplitObjectID(raw string) (ObjectKind, string) {
	raw = strings.TrimSpace(raw)
	first := strings.IndexAny(raw, ":/")
	if first < 0 {
		return KindUnknown, raw
	}

	prefix := raw[:first]
	id := raw[strings.LastIndexAny(raw, ":/")+1:]

	switch strings.ToLower(prefix) {
	case "payment", "payments":
		return KindPayment, id
	case "order", "orders":
		return KindOrder, id
	}
	if len(prefix) == 1 {
		return ObjectKind(strings.ToUpper(prefix)), id
	}
	return KindUnknown, id
}

// WebhookVerificationCode returns the endpoint-ownership code carried by a payload, if any
func WebhookVerificationCode(p WebhookPayload) string {
	switch v := p.(type) {
	case FlatPayload:
		return firstString(v.Fields, verificationKeys...)
	case MerchantMapPayload:
		return firstString(v.Fields, verificationKeys...)
	case WrappedPayload:
		if len(v.Items) == 1 {
			return WebhookVerificationCode(v.Items[0])
		}
	}
	return ""
}

// WebhookBodySecret returns a shared secret embedded in the payload, if any
func WebhookBodySecret(p WebhookPayload) string {
	switch v := p.(type) {
	case FlatPayload:
		return firstString(v.Fields, "secret")
	case MerchantMapPayload:
		return firstString(v.Fields, "secret")
	case WrappedPayload:
		if len(v.Items) == 1 {
			return WebhookBodySecret(v.Items[0])
		}
	}
	return ""
}

func newEventRef(merchantID, raw, eventType string) EventRef {
	kind, id := SplitObjectID(raw)
	return EventRef{MerchantID: merchantID, ObjectID: id, EventType: eventType, Kind: kind}
}

func objectIDOf(fields map[string]any) string {
	if id := firstString(fields, objectIDKeys...); id != "" {
		return id
	}
	if data, ok := fields["data"].(map[string]any); ok {
		return firstString(data, "id")
	}
	return ""
}

func merchantIDOf(fields map[string]any) string {
	if id := firstString(fields, merchantIDKeys...); id != "" {
		return id
	}
	if merchant, ok := fields["merchant"].(map[string]any); ok {
		if id := firstString(merchant, "id"); id != "" {
			return id
		}
	}
	if event, ok := fields["event"].(map[string]any); ok {
		return firstString(event, merchantIDKeys...)
	}
	return ""
}

func soleMerchant(events []EventRef) string {
	merchant := ""
	for _, e := range events {
		if e.MerchantID == "" {
			continue
		}
		if merchant != "" && merchant != e.MerchantID {
			return ""
		}
		merchant = e.MerchantID
	}
	return merchant
}

func dedupeEvents(events []EventRef, fallbackMerchant string) []EventRef {
	seen := make(map[string]bool, len(events))
	out := make([]EventRef, 0, len(events))
	for _, e := range events {
		if e.ObjectID == "" {
			continue
		}
		if e.MerchantID == "" {
			e.MerchantID = fallbackMerchant
		}
		key := e.MerchantID + "|" + e.ObjectID
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, e)
	}
	return out
}

func firstString(fields map[string]any, keys ...string) string {
	for _, key := range keys {
		if s := stringOf(fields[key]); s != "" {
			return s
		}
	}
	return ""
}

func stringOf(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	}
	return ""
}

func isContainer(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return true
	}
	return false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
