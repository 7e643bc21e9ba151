// Package salesforce binds the Commerce Cloud Data API to the extraction
// engine: the stream definitions, the page sources that read them and the
// discovery of custom attributes.
package salesforce

import (
	"strconv"
	"strings"

	"github.com/ajitpratap0/tap-salesforce/pkg/catalog"
	"github.com/ajitpratap0/tap-salesforce/pkg/models"
)

// Stream names.
const (
	StreamInventoryLists = "inventory_lists"
	StreamCatalogs       = "catalogs"
	StreamSites          = "sites"
	StreamCustomerGroups = "customer_groups"
	StreamOrders         = "orders"
	StreamProducts       = "products"
	StreamOrderChanges   = "order_changes"

	StreamCategories              = "categories"
	StreamProductInventoryRecords = "product_inventory_records"
	StreamCustomers               = "customers"
	StreamCustomerAddresses       = "customer_addresses"
	StreamOrderNotes              = "order_notes"
	StreamSiteLocales             = "site_locale_info"
)

type resourceKind int

const (
	// listResource is a GET collection with records under data
	listResource resourceKind = iota
	// searchResource is a POST search with records under hits
	searchResource
	// orderSearchResource is a POST search with records under hits[*].data
	orderSearchResource
)

// Stream binds a schema to the OCAPI resource it is read from.
type Stream struct {
	Schema *catalog.Schema
	// Path is the resource path relative to the Data API root
	Path string
	kind resourceKind
	// Select is the property selector sent with reads
	Select string
	// ObjectType is the system object whose custom attributes extend the schema
	ObjectType string
	// PerSite resources live under /sites/{site_id}; a missing site reads as empty
	PerSite bool
	// ChangeLog streams are only offered when a change log is configured
	ChangeLog bool
	// Parent names the stream whose records fill the placeholders of Path
	Parent string
	// bind returns the placeholder values for a parent record, false to skip it
	bind func(parent map[string]interface{}) (map[string]string, bool)
	// items is the response field holding the records, data when empty
	items string
}

// Name returns the stream name.
func (s *Stream) Name() string { return s.Schema.Name }

func str(name string) catalog.Field {
	return catalog.Field{Name: name, Type: catalog.FieldTypeString, Nullable: true}
}

func typed(name string, t catalog.FieldType) catalog.Field {
	return catalog.Field{Name: name, Type: t, Nullable: true}
}

func key(name string) catalog.Field {
	return catalog.Field{Name: name, Type: catalog.FieldTypeString, Key: true}
}

// parentFields binds each placeholder to the parent field of the same value in
// fields. A parent missing any of them is skipped.
func parentFields(fields map[string]string) func(map[string]interface{}) (map[string]string, bool) {
	return func(parent map[string]interface{}) (map[string]string, bool) {
		vars := make(map[string]string, len(fields))
		for placeholder, name := range fields {
			value, ok := stringValue(parent[name])
			if !ok {
				return nil, false
			}
			vars[placeholder] = value
		}
		return vars, true
	}
}

func stringValue(v interface{}) (string, bool) {
	switch v := v.(type) {
	case string:
		return v, v != ""
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	default:
		return "", false
	}
}

// customerAddressesVars reads the customer list of a group member from its
// customer link, .../customer_lists/{list_id}/customers/{customer_no}.
func customerAddressesVars(member map[string]interface{}) (map[string]string, bool) {
	no, ok := stringValue(member["customer_no"])
	if !ok {
		return nil, false
	}
	link, _ := member["customer_link"].(string)
	if obj, isObj := member["customer_link"].(map[string]interface{}); isObj {
		link, _ = obj["link"].(string)
	}
	_, rest, found := strings.Cut(link, "customer_lists/")
	if !found {
		return nil, false
	}
	listID, _, _ := strings.Cut(rest, "/")
	if listID == "" {
		return nil, false
	}
	return map[string]string{"list_id": listID, "customer_no": no}, true
}

var (
	fullTableOnly   = []models.ReplicationMethod{models.FullTable}
	incrementalFull = []models.ReplicationMethod{models.Incremental, models.FullTable}
	logBasedFull    = []models.ReplicationMethod{models.LogBased, models.FullTable}
)

func orderFields() []catalog.Field {
	return []catalog.Field{
		key("order_no"),
		str("_type"),
		typed("adjusted_merchandize_total_tax", catalog.FieldTypeNumber),
		typed("adjusted_shipping_total_tax", catalog.FieldTypeNumber),
		typed("billing_address", catalog.FieldTypeObject),
		str("channel_type"),
		str("confirmation_status"),
		str("created_by"),
		typed("creation_date", catalog.FieldTypeTimestamp),
		str("currency"),
		typed("customer_info", catalog.FieldTypeObject),
		str("customer_name"),
		str("export_status"),
		typed("grouped_tax_items", catalog.FieldTypeArray),
		typed("guest", catalog.FieldTypeBoolean),
		typed("last_modified", catalog.FieldTypeTimestamp),
		typed("merchandize_total_tax", catalog.FieldTypeNumber),
		typed("notes", catalog.FieldTypeObject),
		str("order_token"),
		typed("order_total", catalog.FieldTypeNumber),
		typed("payment_instruments", catalog.FieldTypeArray),
		str("payment_status"),
		typed("product_items", catalog.FieldTypeArray),
		typed("product_sub_total", catalog.FieldTypeNumber),
		typed("product_total", catalog.FieldTypeNumber),
		typed("shipments", catalog.FieldTypeArray),
		typed("shipping_items", catalog.FieldTypeArray),
		str("shipping_status"),
		typed("shipping_total", catalog.FieldTypeNumber),
		typed("shipping_total_tax", catalog.FieldTypeNumber),
		str("site_id"),
		str("status"),
		str("taxation"),
		typed("tax_total", catalog.FieldTypeNumber),
	}
}

// DefaultStreams returns the built-in stream definitions in catalog order.
func DefaultStreams() []*Stream {
	return []*Stream{
		{
			Schema: &catalog.Schema{
				Name: StreamInventoryLists,
				Fields: []catalog.Field{
					key("id"),
					str("_type"),
					str("_resource_state"),
					typed("description", catalog.FieldTypeLocalized),
					str("link"),
				},
				Methods: fullTableOnly,
			},
			Path: "/inventory_lists",
			kind: listResource,
		},
		{
			Schema: &catalog.Schema{
				Name: StreamCatalogs,
				Fields: []catalog.Field{
					key("id"),
					str("_type"),
					str("_resource_state"),
					typed("name", catalog.FieldTypeLocalized),
					typed("description", catalog.FieldTypeLocalized),
					typed("online", catalog.FieldTypeBoolean),
					typed("start_maintenance", catalog.FieldTypeTimestamp),
					typed("end_maintenance", catalog.FieldTypeTimestamp),
					typed("creation_date", catalog.FieldTypeTimestamp),
					typed("is_master_catalog", catalog.FieldTypeBoolean),
					typed("is_storefront_catalog", catalog.FieldTypeBoolean),
					str("root_category"),
					typed("category_count", catalog.FieldTypeInteger),
					typed("owned_product_count", catalog.FieldTypeInteger),
					typed("assigned_product_count", catalog.FieldTypeInteger),
					typed("recommendation_count", catalog.FieldTypeInteger),
					typed("assigned_sites", catalog.FieldTypeArray),
					str("link"),
				},
				Methods: fullTableOnly,
			},
			Path:   "/catalogs",
			kind:   listResource,
			Select: "(**)",
		},
		{
			Schema: &catalog.Schema{
				Name: StreamSites,
				Fields: []catalog.Field{
					key("id"),
					str("_v"),
					str("_type"),
					str("_resource_state"),
					typed("customer_list_link", catalog.FieldTypeObject),
					typed("description", catalog.FieldTypeLocalized),
					typed("display_name", catalog.FieldTypeLocalized),
					typed("in_deletion", catalog.FieldTypeBoolean),
					str("storefront_status"),
				},
				Methods: fullTableOnly,
			},
			Path:   "/sites",
			kind:   listResource,
			Select: "(**)",
		},
		{
			Schema: &catalog.Schema{
				Name: StreamCustomerGroups,
				Fields: []catalog.Field{
					key("id"),
					str("_type"),
					str("_resource_state"),
					typed("description", catalog.FieldTypeLocalized),
					str("link"),
					str("site_id"),
				},
				Methods: fullTableOnly,
			},
			Path:       "/sites/{site_id}/customer_groups",
			kind:       listResource,
			ObjectType: "CustomerGroup",
			PerSite:    true,
		},
		{
			Schema: &catalog.Schema{
				Name:           StreamOrders,
				Fields:         orderFields(),
				ReplicationKey: "last_modified",
				Methods:        incrementalFull,
			},
			Path:       "/order_search",
			kind:       orderSearchResource,
			Select:     "(**)",
			ObjectType: "Order",
		},
		{
			Schema: &catalog.Schema{
				Name: StreamProducts,
				Fields: []catalog.Field{
					key("id"),
					str("_v"),
					str("_type"),
					str("brand"),
					str("currency"),
					str("ean"),
					typed("image_groups", catalog.FieldTypeArray),
					typed("inventory", catalog.FieldTypeObject),
					typed("last_modified", catalog.FieldTypeTimestamp),
					typed("long_description", catalog.FieldTypeLocalized),
					typed("master", catalog.FieldTypeObject),
					typed("min_order_quantity", catalog.FieldTypeNumber),
					typed("name", catalog.FieldTypeLocalized),
					typed("page_description", catalog.FieldTypeLocalized),
					typed("page_keywords", catalog.FieldTypeLocalized),
					typed("page_title", catalog.FieldTypeLocalized),
					typed("price", catalog.FieldTypeNumber),
					typed("prices", catalog.FieldTypeObject),
					str("primary_category_id"),
					typed("short_description", catalog.FieldTypeLocalized),
					typed("step_quantity", catalog.FieldTypeNumber),
					typed("type", catalog.FieldTypeObject),
					str("unit_measure"),
					typed("unit_quantity", catalog.FieldTypeNumber),
					str("upc"),
					typed("valid_from", catalog.FieldTypeLocalized),
					typed("valid_to", catalog.FieldTypeLocalized),
					typed("variants", catalog.FieldTypeArray),
					typed("variation_attributes", catalog.FieldTypeArray),
					typed("variation_values", catalog.FieldTypeObject),
				},
				ReplicationKey: "last_modified",
				Methods:        incrementalFull,
			},
			Path:       "/product_search",
			kind:       searchResource,
			Select:     "(**)",
			ObjectType: "Product",
		},
		{
			Schema: &catalog.Schema{
				Name:    StreamOrderChanges,
				Fields:  orderFields(),
				Methods: logBasedFull,
			},
			Path:       "/order_search",
			kind:       orderSearchResource,
			Select:     "(**)",
			ObjectType: "Order",
			ChangeLog:  true,
		},
		{
			Schema: &catalog.Schema{
				Name: StreamCategories,
				Fields: []catalog.Field{
					key("id"),
					key("catalog_id"),
					str("_v"),
					str("_type"),
					typed("categories", catalog.FieldTypeArray),
					typed("creation_date", catalog.FieldTypeTimestamp),
					typed("description", catalog.FieldTypeLocalized),
					str("image"),
					str("link"),
					typed("name", catalog.FieldTypeLocalized),
					typed("online", catalog.FieldTypeBoolean),
					str("parent_category_id"),
					typed("paths", catalog.FieldTypeArray),
					typed("position", catalog.FieldTypeNumber),
					typed("sorting_rules", catalog.FieldTypeArray),
					str("thumbnail"),
				},
				Methods: fullTableOnly,
			},
			Path:   "/catalogs/{catalog_id}/categories",
			kind:   listResource,
			Select: "(**)",
			Parent: StreamCatalogs,
			bind:   parentFields(map[string]string{"catalog_id": "id"}),
		},
		{
			Schema: &catalog.Schema{
				Name: StreamProductInventoryRecords,
				Fields: []catalog.Field{
					key("product_id"),
					key("inventory_list_id"),
					str("_type"),
					str("_resource_state"),
					typed("allocation", catalog.FieldTypeObject),
					typed("ats", catalog.FieldTypeNumber),
					typed("perpetual", catalog.FieldTypeBoolean),
					str("link"),
				},
				Methods: fullTableOnly,
			},
			Path:   "/inventory_lists/{inventory_list_id}/product_inventory_records",
			kind:   listResource,
			Parent: StreamInventoryLists,
			bind:   parentFields(map[string]string{"inventory_list_id": "id"}),
		},
		{
			Schema: &catalog.Schema{
				Name: StreamCustomers,
				Fields: []catalog.Field{
					key("customer_no"),
					key("customer_group_id"),
					str("_type"),
					str("_resource_state"),
					str("login"),
					str("first_name"),
					str("last_name"),
					typed("active", catalog.FieldTypeBoolean),
					str("link"),
					str("site_id"),
					str("customer_link"),
				},
				Methods: fullTableOnly,
			},
			Path:   "/sites/{site_id}/customer_groups/{customer_group_id}/members",
			kind:   listResource,
			Select: "(**)",
			Parent: StreamCustomerGroups,
			bind:   parentFields(map[string]string{"site_id": "site_id", "customer_group_id": "id"}),
		},
		{
			Schema: &catalog.Schema{
				Name: StreamCustomerAddresses,
				Fields: []catalog.Field{
					key("customer_no"),
					key("address_id"),
					str("_type"),
					str("_resource_state"),
					str("address1"),
					str("address2"),
					str("city"),
					str("company_name"),
					str("country_code"),
					typed("creation_date", catalog.FieldTypeTimestamp),
					str("etag"),
					str("first_name"),
					str("full_name"),
					typed("last_modified", catalog.FieldTypeTimestamp),
					str("last_name"),
					str("phone"),
					str("postal_code"),
					str("salutation"),
					str("state_code"),
				},
				Methods: fullTableOnly,
			},
			Path:   "/customer_lists/{list_id}/customers/{customer_no}/addresses",
			kind:   listResource,
			Parent: StreamCustomers,
			bind:   customerAddressesVars,
		},
		{
			Schema: &catalog.Schema{
				Name: StreamOrderNotes,
				Fields: []catalog.Field{
					key("id"),
					str("order_no"),
					str("_type"),
					str("created_by"),
					typed("creation_date", catalog.FieldTypeTimestamp),
					str("subject"),
					str("text"),
				},
				Methods: fullTableOnly,
			},
			Path:   "/orders/{order_no}/notes",
			kind:   listResource,
			Parent: StreamOrders,
			bind:   parentFields(map[string]string{"order_no": "order_no"}),
			items:  itemsNotes,
		},
		{
			Schema: &catalog.Schema{
				Name: StreamSiteLocales,
				Fields: []catalog.Field{
					key("id"),
					key("site_id"),
					str("_type"),
					typed("active", catalog.FieldTypeBoolean),
					str("country"),
					typed("default", catalog.FieldTypeBoolean),
					str("display_country"),
					str("display_language"),
					str("display_name"),
					str("iso3_country"),
					str("iso3_language"),
					str("language"),
					str("name"),
				},
				Methods: fullTableOnly,
			},
			Path:   "/sites/{site_id}/locale_info/locales",
			kind:   listResource,
			Select: "(**)",
			Parent: StreamSites,
			bind:   parentFields(map[string]string{"site_id": "id"}),
			items:  itemsHits,
		},
	}
}
