// Package channel formats and parses the three crud channel-name shapes:
//
//	crud>TYPE/ID            resource
//	crud>TYPE/ID/FIELD      resource field
//	crud>VIEW(JSON):TYPE    view, JSON being the key-sorted primary params
//
// The same names must be produced on both sides of the publish/subscribe
// boundary so subscribers hash to the same channel.
package channel

import (
	"regexp"
	"strings"

	"github.com/openbrook/crudcast/internal/model"
)

// Prefix is the crud channel namespace.
const Prefix = "crud>"

var (
	crudEnvelope = regexp.MustCompile(`^crud>(.*)$`)
	viewShape    = regexp.MustCompile(`^([^(]*)\((.*)\):([^:]*)$`)
)

// Resource returns the channel name for a single document.
func Resource(typ, id string) string {
	return Prefix + typ + "/" + id
}

// Field returns the channel name for one field of a document.
func Field(typ, id, field string) string {
	return Prefix + typ + "/" + id + "/" + field
}

// View returns the channel name for a view with the given primary params.
// Params must already be projected with PrimaryParams so both ends agree.
func View(view string, params map[string]any, typ string) string {
	return Prefix + view + "(" + StableStringify(params) + "):" + typ
}

// PrimaryParams projects viewParams down to the routing object serialized
// into the channel name. When the view declares primaryFields only those
// appear, missing ones as null; otherwise the whole params object is used.
// Unless typed is set, values are coerced to their string representation so
// channel identity is invariant across JSON number/string inputs.
func PrimaryParams(view model.ViewSchema, viewParams map[string]any, typed bool) map[string]any {
	out := map[string]any{}
	if len(view.PrimaryFields) > 0 {
		for _, f := range view.PrimaryFields {
			v, ok := viewParams[f]
			if !ok {
				out[f] = nil
				continue
			}
			out[f] = v
		}
	} else {
		for k, v := range viewParams {
			out[k] = v
		}
	}
	if !typed {
		for k, v := range out {
			if v == nil {
				continue
			}
			out[k] = Stringify(v)
		}
	}
	return out
}

// IsCRUDChannel reports whether the name lives in the crud namespace.
func IsCRUDChannel(name string) bool {
	return strings.HasPrefix(name, Prefix)
}

// ParseResourceQuery inverts the three channel shapes into a subscribe
// query. Non-crud channels return nil. A view channel whose params JSON does
// not parse still returns a query, with nil ViewParams.
func ParseResourceQuery(name string) *model.Query {
	m := crudEnvelope.FindStringSubmatch(name)
	if m == nil {
		return nil
	}
	rest := m[1]
	if vm := viewShape.FindStringSubmatch(rest); vm != nil {
		q := &model.Query{
			Action: model.ActionSubscribe,
			Type:   vm[3],
			View:   vm[1],
		}
		if params, err := parseJSONObject(vm[2]); err == nil {
			q.ViewParams = params
		}
		return q
	}
	parts := strings.Split(rest, "/")
	switch len(parts) {
	case 2:
		return &model.Query{Action: model.ActionSubscribe, Type: parts[0], ID: parts[1]}
	case 3:
		return &model.Query{Action: model.ActionSubscribe, Type: parts[0], ID: parts[1], Field: parts[2]}
	}
	return nil
}
