package scim

import (
	"strings"
	"testing"
)

func validUser() User {
	return User{
		Schemas:  []string{UserSchema},
		UserName: "jdoe@example.com",
		Active:   true,
		Emails: []MultiValued{
			{Value: "jdoe@example.com", Type: "work", Primary: true},
		},
	}
}

func hasError(errs []string, substr string) bool {
	for _, e := range errs {
		if strings.Contains(e, substr) {
			return true
		}
	}
	return false
}

func TestValidateUserAccepted(t *testing.T) {
	if errs := ValidateUser(validUser()); len(errs) != 0 {
		t.Errorf("valid user rejected: %v", errs)
	}
}

func TestValidateUserMissingUserName(t *testing.T) {
	u := validUser()
	u.UserName = ""
	if errs := ValidateUser(u); !hasError(errs, "userName is required") {
		t.Errorf("missing userName not reported: %v", errs)
	}
}

func TestValidateUserMissingSchemas(t *testing.T) {
	u := validUser()
	u.Schemas = nil
	if errs := ValidateUser(u); !hasError(errs, "schemas is required") {
		t.Errorf("missing schemas not reported: %v", errs)
	}
}

func TestValidateUserUnknownSchema(t *testing.T) {
	u := validUser()
	u.Schemas = append(u.Schemas, "urn:example:bogus")
	if errs := ValidateUser(u); !hasError(errs, "unknown schema URN") {
		t.Errorf("unknown schema not reported: %v", errs)
	}
}

func TestValidateUserMultiplePrimaryEmails(t *testing.T) {
	u := validUser()
	u.Emails = append(u.Emails, MultiValued{Value: "alt@example.com", Primary: true})
	if errs := ValidateUser(u); !hasError(errs, "emails has more than one primary") {
		t.Errorf("duplicate primary not reported: %v", errs)
	}
}

func TestValidateUserEnterpriseDeclarationMismatch(t *testing.T) {
	u := validUser()
	u.Enterprise = &EnterpriseUser{Department: "Engineering"}
	if errs := ValidateUser(u); !hasError(errs, "does not declare") {
		t.Errorf("undeclared extension not reported: %v", errs)
	}

	u = validUser()
	u.Schemas = append(u.Schemas, EnterpriseSchema)
	if errs := ValidateUser(u); !hasError(errs, "no extension fields") {
		t.Errorf("empty declared extension not reported: %v", errs)
	}
}

func TestValidateUserEnterpriseFieldLength(t *testing.T) {
	u := validUser()
	u.Schemas = append(u.Schemas, EnterpriseSchema)
	u.Enterprise = &EnterpriseUser{Department: strings.Repeat("x", 300)}
	if errs := ValidateUser(u); !hasError(errs, "department exceeds") {
		t.Errorf("oversized enterprise field not reported: %v", errs)
	}
}

func TestValidateGroup(t *testing.T) {
	g := Group{
		Schemas:     []string{GroupSchema},
		DisplayName: "Engineering",
		Members:     []Member{{Value: "u1", Type: "User"}},
	}
	if errs := ValidateGroup(g); len(errs) != 0 {
		t.Errorf("valid group rejected: %v", errs)
	}

	g.DisplayName = ""
	g.Members = append(g.Members, Member{Value: "", Type: "Robot"})
	errs := ValidateGroup(g)
	if !hasError(errs, "displayName is required") {
		t.Errorf("missing displayName not reported: %v", errs)
	}
	if !hasError(errs, "members[1].value is required") {
		t.Errorf("empty member value not reported: %v", errs)
	}
	if !hasError(errs, "members[1].type must be User or Group") {
		t.Errorf("bad member type not reported: %v", errs)
	}
}

func TestGroupDedupeMembers(t *testing.T) {
	g := Group{Members: []Member{
		{Value: "a"}, {Value: "b"}, {Value: "a"}, {Value: ""},
	}}
	g.DedupeMembers()
	if len(g.Members) != 2 || g.Members[0].Value != "a" || g.Members[1].Value != "b" {
		t.Errorf("dedupe failed: %v", g.Members)
	}
}
