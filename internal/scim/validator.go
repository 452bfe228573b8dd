package scim

import (
	"fmt"
)

const maxEnterpriseFieldLen = 256

// ValidateUser checks a User resource against the SCIM core schema and the
// enterprise extension. It returns a list of human-readable problems; an
// empty list means the resource is valid. The input is never mutated.
func ValidateUser(u User) []string {
	var errs []string

	errs = append(errs, validateSchemas(u.Schemas, UserSchema, map[string]bool{
		UserSchema:       true,
		EnterpriseSchema: true,
	})...)

	if u.UserName == "" {
		errs = append(errs, "userName is required")
	}

	errs = append(errs, validatePrimary("emails", u.Emails)...)
	errs = append(errs, validatePrimary("phoneNumbers", u.PhoneNumbers)...)

	primaryAddrs := 0
	for _, a := range u.Addresses {
		if a.Primary {
			primaryAddrs++
		}
	}
	if primaryAddrs > 1 {
		errs = append(errs, "addresses has more than one primary entry")
	}

	hasEnterprise := !u.Enterprise.IsZero()
	declaresEnterprise := containsSchema(u.Schemas, EnterpriseSchema)
	if hasEnterprise && !declaresEnterprise {
		errs = append(errs, "enterprise extension fields present but schemas does not declare "+EnterpriseSchema)
	}
	if declaresEnterprise && !hasEnterprise {
		errs = append(errs, "schemas declares "+EnterpriseSchema+" but no extension fields are set")
	}
	if u.Enterprise != nil {
		fields := map[string]string{
			"employeeNumber": u.Enterprise.EmployeeNumber,
			"costCenter":     u.Enterprise.CostCenter,
			"organization":   u.Enterprise.Organization,
			"division":       u.Enterprise.Division,
			"department":     u.Enterprise.Department,
		}
		for name, val := range fields {
			if len(val) > maxEnterpriseFieldLen {
				errs = append(errs, fmt.Sprintf("%s exceeds %d characters", name, maxEnterpriseFieldLen))
			}
		}
	}

	return errs
}

// ValidateGroup checks a Group resource against the SCIM core schema.
func ValidateGroup(g Group) []string {
	var errs []string

	errs = append(errs, validateSchemas(g.Schemas, GroupSchema, map[string]bool{
		GroupSchema: true,
	})...)

	if g.DisplayName == "" {
		errs = append(errs, "displayName is required")
	}

	for i, m := range g.Members {
		if m.Value == "" {
			errs = append(errs, fmt.Sprintf("members[%d].value is required", i))
		}
		if m.Type != "" && m.Type != "User" && m.Type != "Group" {
			errs = append(errs, fmt.Sprintf("members[%d].type must be User or Group", i))
		}
	}

	return errs
}

func validateSchemas(schemas []string, core string, known map[string]bool) []string {
	var errs []string
	if len(schemas) == 0 {
		errs = append(errs, "schemas is required")
		return errs
	}
	if !containsSchema(schemas, core) {
		errs = append(errs, "schemas must include "+core)
	}
	for _, s := range schemas {
		if !known[s] {
			errs = append(errs, "unknown schema URN "+s)
		}
	}
	return errs
}

func validatePrimary(attr string, vals []MultiValued) []string {
	primary := 0
	for _, v := range vals {
		if v.Primary {
			primary++
		}
	}
	if primary > 1 {
		return []string{attr + " has more than one primary entry"}
	}
	return nil
}

func containsSchema(schemas []string, urn string) bool {
	for _, s := range schemas {
		if s == urn {
			return true
		}
	}
	return false
}
