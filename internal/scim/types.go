// Package scim implements the SCIM 2.0 resource model, schema validation,
// PATCH semantics and the HTTP resource handlers for the gateway.
package scim

import "time"

// Schema URNs used on the wire.
const (
	UserSchema       = "urn:ietf:params:scim:schemas:core:2.0:User"
	GroupSchema      = "urn:ietf:params:scim:schemas:core:2.0:Group"
	EnterpriseSchema = "urn:ietf:params:scim:schemas:extension:enterprise:2.0:User"
	ListSchema       = "urn:ietf:params:scim:api:messages:2.0:ListResponse"
	PatchSchema      = "urn:ietf:params:scim:api:messages:2.0:PatchOp"
	SPConfigSchema   = "urn:ietf:params:scim:schemas:core:2.0:ServiceProviderConfig"
)

// Meta is the common metadata block carried by every resource.
type Meta struct {
	ResourceType string     `json:"resourceType,omitempty"`
	Created      *time.Time `json:"created,omitempty"`
	LastModified *time.Time `json:"lastModified,omitempty"`
	Location     string     `json:"location,omitempty"`
	Version      string     `json:"version,omitempty"`
}

// Name is the complex name attribute of a User.
type Name struct {
	Formatted       string `json:"formatted,omitempty"`
	FamilyName      string `json:"familyName,omitempty"`
	GivenName       string `json:"givenName,omitempty"`
	MiddleName      string `json:"middleName,omitempty"`
	HonorificPrefix string `json:"honorificPrefix,omitempty"`
	HonorificSuffix string `json:"honorificSuffix,omitempty"`
}

// MultiValued is a generic multi-valued attribute element (emails, phones).
type MultiValued struct {
	Value   string `json:"value,omitempty"`
	Display string `json:"display,omitempty"`
	Type    string `json:"type,omitempty"`
	Primary bool   `json:"primary,omitempty"`
}

// Address is the multi-valued address element.
type Address struct {
	Formatted     string `json:"formatted,omitempty"`
	StreetAddress string `json:"streetAddress,omitempty"`
	Locality      string `json:"locality,omitempty"`
	Region        string `json:"region,omitempty"`
	PostalCode    string `json:"postalCode,omitempty"`
	Country       string `json:"country,omitempty"`
	Type          string `json:"type,omitempty"`
	Primary       bool   `json:"primary,omitempty"`
}

// Manager references a user's manager in the enterprise extension.
type Manager struct {
	Value       string `json:"value,omitempty"`
	Ref         string `json:"$ref,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

// EnterpriseUser is the RFC 7643 enterprise User extension.
type EnterpriseUser struct {
	EmployeeNumber string   `json:"employeeNumber,omitempty"`
	CostCenter     string   `json:"costCenter,omitempty"`
	Organization   string   `json:"organization,omitempty"`
	Division       string   `json:"division,omitempty"`
	Department     string   `json:"department,omitempty"`
	Manager        *Manager `json:"manager,omitempty"`
}

// IsZero reports whether no enterprise field is populated.
func (e *EnterpriseUser) IsZero() bool {
	if e == nil {
		return true
	}
	return e.EmployeeNumber == "" && e.CostCenter == "" && e.Organization == "" &&
		e.Division == "" && e.Department == "" && (e.Manager == nil || e.Manager.Value == "")
}

// User is a SCIM 2.0 User resource.
type User struct {
	Schemas           []string        `json:"schemas"`
	ID                string          `json:"id,omitempty"`
	ExternalID        string          `json:"externalId,omitempty"`
	UserName          string          `json:"userName,omitempty"`
	Name              *Name           `json:"name,omitempty"`
	DisplayName       string          `json:"displayName,omitempty"`
	NickName          string          `json:"nickName,omitempty"`
	Title             string          `json:"title,omitempty"`
	UserType          string          `json:"userType,omitempty"`
	PreferredLanguage string          `json:"preferredLanguage,omitempty"`
	Locale            string          `json:"locale,omitempty"`
	Timezone          string          `json:"timezone,omitempty"`
	Active            bool            `json:"active"`
	Emails            []MultiValued   `json:"emails,omitempty"`
	PhoneNumbers      []MultiValued   `json:"phoneNumbers,omitempty"`
	Addresses         []Address       `json:"addresses,omitempty"`
	Enterprise        *EnterpriseUser `json:"urn:ietf:params:scim:schemas:extension:enterprise:2.0:User,omitempty"`
	Meta              Meta            `json:"meta,omitempty"`
}

// Member is a group membership edge. Type is "User" or "Group".
type Member struct {
	Value   string `json:"value"`
	Ref     string `json:"$ref,omitempty"`
	Display string `json:"display,omitempty"`
	Type    string `json:"type,omitempty"`
}

// Group is a SCIM 2.0 Group resource. The member set carries set semantics:
// duplicates by Value are collapsed on every mutation.
type Group struct {
	Schemas     []string `json:"schemas"`
	ID          string   `json:"id,omitempty"`
	ExternalID  string   `json:"externalId,omitempty"`
	DisplayName string   `json:"displayName,omitempty"`
	Members     []Member `json:"members,omitempty"`
	Meta        Meta     `json:"meta,omitempty"`
}

// ListResponse is the SCIM paged list envelope.
type ListResponse struct {
	Schemas      []string      `json:"schemas"`
	TotalResults int           `json:"totalResults"`
	StartIndex   int           `json:"startIndex"`
	ItemsPerPage int           `json:"itemsPerPage"`
	Resources    []interface{} `json:"Resources"`
}

// PatchRequest is the SCIM PATCH request body.
type PatchRequest struct {
	Schemas    []string         `json:"schemas"`
	Operations []PatchOperation `json:"Operations"`
}

// PatchOperation is a single add/remove/replace operation.
type PatchOperation struct {
	Op    string      `json:"op"`
	Path  string      `json:"path,omitempty"`
	Value interface{} `json:"value,omitempty"`
}

// Locatable is implemented by resources whose meta.location is derived from
// the request URL base. The base is already rooted at /scim/v2.
type Locatable interface {
	SetLocation(base string)
}

// SetLocation populates meta.location for a user.
func (u *User) SetLocation(base string) {
	u.Meta.Location = base + "/Users/" + u.ID
}

// SetLocation populates meta.location for a group and each member's $ref.
func (g *Group) SetLocation(base string) {
	g.Meta.Location = base + "/Groups/" + g.ID
	for i := range g.Members {
		memberType := g.Members[i].Type
		if memberType == "" {
			memberType = "User"
		}
		g.Members[i].Ref = base + "/" + memberType + "s/" + g.Members[i].Value
	}
}

// DedupeMembers collapses the member list into a set keyed by Value.
func (g *Group) DedupeMembers() {
	seen := make(map[string]bool, len(g.Members))
	out := g.Members[:0]
	for _, m := range g.Members {
		if m.Value == "" || seen[m.Value] {
			continue
		}
		seen[m.Value] = true
		out = append(out, m)
	}
	g.Members = out
}
