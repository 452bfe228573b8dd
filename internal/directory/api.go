package directory

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dhawalhost/scimgate/internal/audit"
	"github.com/dhawalhost/scimgate/internal/scim"
	"github.com/dhawalhost/scimgate/internal/scimerr"
	"github.com/dhawalhost/scimgate/pkg/middleware"
)

// HTTPHandler serves the SCIM 2.0 resource endpoints.
type HTTPHandler struct {
	service *Service
	logger  *zap.Logger
	// baseURL overrides the derived scheme://host for meta.location. Empty
	// derives it per request.
	baseURL string
}

// NewHTTPHandler creates a new SCIM HTTP handler.
func NewHTTPHandler(service *Service, baseURL string, logger *zap.Logger) *HTTPHandler {
	return &HTTPHandler{service: service, baseURL: baseURL, logger: logger}
}

// RegisterRoutes registers the SCIM resource routes on the authenticated
// group and the discovery document on the public one.
func (h *HTTPHandler) RegisterRoutes(rg *gin.RouterGroup) {
	users := rg.Group("/Users")
	{
		users.POST("", h.createUser)
		users.GET("", h.listUsers)
		users.GET("/:id", h.getUser)
		users.PUT("/:id", h.replaceUser)
		users.PATCH("/:id", h.patchUser)
		users.DELETE("/:id", h.deleteUser)
	}
	groups := rg.Group("/Groups")
	{
		groups.POST("", h.createGroup)
		groups.GET("", h.listGroups)
		groups.GET("/:id", h.getGroup)
		groups.PUT("/:id", h.replaceGroup)
		groups.PATCH("/:id", h.patchGroup)
		groups.DELETE("/:id", h.deleteGroup)
	}
}

// RegisterDiscovery registers the unauthenticated discovery endpoints.
func (h *HTTPHandler) RegisterDiscovery(rg *gin.RouterGroup) {
	rg.GET("/ServiceProviderConfig", h.serviceProviderConfig)
}

// base returns the /scim/v2-rooted URL prefix every meta.location, member
// $ref and Location header is built from.
func (h *HTTPHandler) base(c *gin.Context) string {
	root := h.baseURL
	if root == "" {
		scheme := "https"
		if c.Request.TLS == nil {
			scheme = "http"
		}
		root = scheme + "://" + c.Request.Host
	}
	return root + "/scim/v2"
}

func (h *HTTPHandler) tenant(c *gin.Context) (string, bool) {
	tc, err := middleware.TenantContextFrom(c.Request.Context())
	if err != nil {
		middleware.AbortWithError(c, scimerr.InvalidTenant("Request has no tenant context"))
		return "", false
	}
	return tc.TenantID, true
}

func (h *HTTPHandler) record(c *gin.Context, op, resourceType, resourceID string) {
	if rec := audit.RecorderFrom(c); rec != nil {
		rec.Operation(op, resourceType, resourceID)
	}
}

func (h *HTTPHandler) snapshots(c *gin.Context, oldValue, newValue interface{}) {
	if rec := audit.RecorderFrom(c); rec != nil {
		rec.Snapshots(oldValue, newValue)
	}
}

func (h *HTTPHandler) fail(c *gin.Context, err error) {
	se := scimerr.From(err)
	if rec := audit.RecorderFrom(c); rec != nil {
		rec.Failure(se.ScimType, se.Detail)
	}
	if se.Status == http.StatusInternalServerError && se.Err != nil {
		h.logger.Error("Request failed",
			zap.String("path", c.Request.URL.Path),
			zap.Error(se.Err))
	}
	middleware.AbortWithError(c, se)
}

func (h *HTTPHandler) respond(c *gin.Context, status int, resource scim.Locatable, version string) {
	resource.SetLocation(h.base(c))
	c.Header("Content-Type", middleware.SCIMContentType)
	if version != "" {
		c.Header("ETag", version)
	}
	c.JSON(status, resource)
}

func (h *HTTPHandler) listQuery(c *gin.Context) (ListQuery, error) {
	q := ListQuery{
		Filter:    c.Query("filter"),
		SortBy:    c.Query("sortBy"),
		SortOrder: c.Query("sortOrder"),
	}
	if v := c.Query("startIndex"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return ListQuery{}, scimerr.BadValue("startIndex must be an integer")
		}
		q.StartIndex = &n
	}
	if v := c.Query("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return ListQuery{}, scimerr.BadValue("count must be an integer")
		}
		q.Count = &n
	}
	return q, nil
}

func (h *HTTPHandler) createUser(c *gin.Context) {
	tenantID, ok := h.tenant(c)
	if !ok {
		return
	}
	h.record(c, "createUser", "User", "")

	var u scim.User
	if err := c.ShouldBindJSON(&u); err != nil {
		h.fail(c, scimerr.BadSyntax("Request body is not valid JSON"))
		return
	}

	created, err := h.service.CreateUser(c.Request.Context(), tenantID, u)
	if err != nil {
		h.fail(c, err)
		return
	}

	h.record(c, "createUser", "User", created.ID)
	h.snapshots(c, nil, created)
	created.SetLocation(h.base(c))
	c.Header("Location", created.Meta.Location)
	h.respond(c, http.StatusCreated, &created, created.Meta.Version)
}

func (h *HTTPHandler) getUser(c *gin.Context) {
	tenantID, ok := h.tenant(c)
	if !ok {
		return
	}
	id := c.Param("id")
	h.record(c, "getUser", "User", id)

	u, err := h.service.GetUser(c.Request.Context(), tenantID, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.respond(c, http.StatusOK, &u, u.Meta.Version)
}

func (h *HTTPHandler) listUsers(c *gin.Context) {
	tenantID, ok := h.tenant(c)
	if !ok {
		return
	}
	h.record(c, "listUsers", "User", "")

	q, err := h.listQuery(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	users, total, startIndex, err := h.service.ListUsers(c.Request.Context(), tenantID, q)
	if err != nil {
		h.fail(c, err)
		return
	}

	base := h.base(c)
	resources := make([]interface{}, 0, len(users))
	for i := range users {
		users[i].SetLocation(base)
		resources = append(resources, users[i])
	}
	c.Header("Content-Type", middleware.SCIMContentType)
	c.JSON(http.StatusOK, scim.ListResponse{
		Schemas:      []string{scim.ListSchema},
		TotalResults: total,
		StartIndex:   startIndex,
		ItemsPerPage: len(resources),
		Resources:    resources,
	})
}

func (h *HTTPHandler) replaceUser(c *gin.Context) {
	tenantID, ok := h.tenant(c)
	if !ok {
		return
	}
	id := c.Param("id")
	h.record(c, "replaceUser", "User", id)

	var u scim.User
	if err := c.ShouldBindJSON(&u); err != nil {
		h.fail(c, scimerr.BadSyntax("Request body is not valid JSON"))
		return
	}

	old, _ := h.service.GetUser(c.Request.Context(), tenantID, id)
	replaced, err := h.service.ReplaceUser(c.Request.Context(), tenantID, id, u, c.GetHeader("If-Match"))
	if err != nil {
		h.fail(c, err)
		return
	}
	h.snapshots(c, old, replaced)
	h.respond(c, http.StatusOK, &replaced, replaced.Meta.Version)
}

func (h *HTTPHandler) patchUser(c *gin.Context) {
	tenantID, ok := h.tenant(c)
	if !ok {
		return
	}
	id := c.Param("id")
	h.record(c, "patchUser", "User", id)

	var req scim.PatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, scimerr.BadSyntax("Request body is not valid JSON"))
		return
	}

	old, _ := h.service.GetUser(c.Request.Context(), tenantID, id)
	patched, err := h.service.PatchUser(c.Request.Context(), tenantID, id, req, c.GetHeader("If-Match"))
	if err != nil {
		h.fail(c, err)
		return
	}
	h.snapshots(c, old, patched)
	h.respond(c, http.StatusOK, &patched, patched.Meta.Version)
}

func (h *HTTPHandler) deleteUser(c *gin.Context) {
	tenantID, ok := h.tenant(c)
	if !ok {
		return
	}
	id := c.Param("id")
	h.record(c, "deleteUser", "User", id)

	old, _ := h.service.GetUser(c.Request.Context(), tenantID, id)
	if err := h.service.DeleteUser(c.Request.Context(), tenantID, id); err != nil {
		h.fail(c, err)
		return
	}
	h.snapshots(c, old, nil)
	c.Status(http.StatusNoContent)
}

func (h *HTTPHandler) createGroup(c *gin.Context) {
	tenantID, ok := h.tenant(c)
	if !ok {
		return
	}
	h.record(c, "createGroup", "Group", "")

	var g scim.Group
	if err := c.ShouldBindJSON(&g); err != nil {
		h.fail(c, scimerr.BadSyntax("Request body is not valid JSON"))
		return
	}

	created, err := h.service.CreateGroup(c.Request.Context(), tenantID, g)
	if err != nil {
		h.fail(c, err)
		return
	}

	h.record(c, "createGroup", "Group", created.ID)
	h.snapshots(c, nil, created)
	created.SetLocation(h.base(c))
	c.Header("Location", created.Meta.Location)
	h.respond(c, http.StatusCreated, &created, created.Meta.Version)
}

func (h *HTTPHandler) getGroup(c *gin.Context) {
	tenantID, ok := h.tenant(c)
	if !ok {
		return
	}
	id := c.Param("id")
	h.record(c, "getGroup", "Group", id)

	g, err := h.service.GetGroup(c.Request.Context(), tenantID, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.respond(c, http.StatusOK, &g, g.Meta.Version)
}

func (h *HTTPHandler) listGroups(c *gin.Context) {
	tenantID, ok := h.tenant(c)
	if !ok {
		return
	}
	h.record(c, "listGroups", "Group", "")

	q, err := h.listQuery(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	groups, total, startIndex, err := h.service.ListGroups(c.Request.Context(), tenantID, q)
	if err != nil {
		h.fail(c, err)
		return
	}

	base := h.base(c)
	resources := make([]interface{}, 0, len(groups))
	for i := range groups {
		groups[i].SetLocation(base)
		resources = append(resources, groups[i])
	}
	c.Header("Content-Type", middleware.SCIMContentType)
	c.JSON(http.StatusOK, scim.ListResponse{
		Schemas:      []string{scim.ListSchema},
		TotalResults: total,
		StartIndex:   startIndex,
		ItemsPerPage: len(resources),
		Resources:    resources,
	})
}

func (h *HTTPHandler) replaceGroup(c *gin.Context) {
	tenantID, ok := h.tenant(c)
	if !ok {
		return
	}
	id := c.Param("id")
	h.record(c, "replaceGroup", "Group", id)

	var g scim.Group
	if err := c.ShouldBindJSON(&g); err != nil {
		h.fail(c, scimerr.BadSyntax("Request body is not valid JSON"))
		return
	}

	old, _ := h.service.GetGroup(c.Request.Context(), tenantID, id)
	replaced, err := h.service.ReplaceGroup(c.Request.Context(), tenantID, id, g, c.GetHeader("If-Match"))
	if err != nil {
		h.fail(c, err)
		return
	}
	h.snapshots(c, old, replaced)
	h.respond(c, http.StatusOK, &replaced, replaced.Meta.Version)
}

func (h *HTTPHandler) patchGroup(c *gin.Context) {
	tenantID, ok := h.tenant(c)
	if !ok {
		return
	}
	id := c.Param("id")
	h.record(c, "patchGroup", "Group", id)

	var req scim.PatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, scimerr.BadSyntax("Request body is not valid JSON"))
		return
	}

	old, _ := h.service.GetGroup(c.Request.Context(), tenantID, id)
	patched, err := h.service.PatchGroup(c.Request.Context(), tenantID, id, req, c.GetHeader("If-Match"))
	if err != nil {
		h.fail(c, err)
		return
	}
	h.snapshots(c, old, patched)
	h.respond(c, http.StatusOK, &patched, patched.Meta.Version)
}

func (h *HTTPHandler) deleteGroup(c *gin.Context) {
	tenantID, ok := h.tenant(c)
	if !ok {
		return
	}
	id := c.Param("id")
	h.record(c, "deleteGroup", "Group", id)

	old, _ := h.service.GetGroup(c.Request.Context(), tenantID, id)
	if err := h.service.DeleteGroup(c.Request.Context(), tenantID, id); err != nil {
		h.fail(c, err)
		return
	}
	h.snapshots(c, old, nil)
	c.Status(http.StatusNoContent)
}

func (h *HTTPHandler) serviceProviderConfig(c *gin.Context) {
	c.Header("Content-Type", middleware.SCIMContentType)
	c.JSON(http.StatusOK, gin.H{
		"schemas":          []string{scim.SPConfigSchema},
		"documentationUri": "https://github.com/dhawalhost/scimgate",
		"patch":            gin.H{"supported": true},
		"bulk":             gin.H{"supported": false, "maxOperations": 0, "maxPayloadSize": 0},
		"filter":           gin.H{"supported": true, "maxResults": MaxPageSize},
		"changePassword":   gin.H{"supported": false},
		"sort":             gin.H{"supported": true},
		"etag":             gin.H{"supported": true},
		"authenticationSchemes": []gin.H{
			{
				"type":        "oauthbearertoken",
				"name":        "OAuth Bearer Token",
				"description": "Authentication via OAuth 2.0 bearer token issued by the configured identity provider",
				"specUri":     "http://www.rfc-editor.org/info/rfc6750",
				"primary":     true,
			},
		},
		"meta": gin.H{
			"resourceType": "ServiceProviderConfig",
			"location":     h.base(c) + "/ServiceProviderConfig",
		},
	})
}
