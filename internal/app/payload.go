package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/go-playground/validator/v10"

	"docket/api/internal/store"
)

var (
	validate       = validator.New(validator.WithRequiredStructEnabled())
	codePattern    = regexp.MustCompile(`^[A-Z]{2,6}(-[0-9]+)+$`)
	prefixPattern  = regexp.MustCompile(`^[A-Z]{2,6}$`)
	allowedKinds   = map[string]bool{store.KindCreate: true, store.KindUpdate: true, store.KindDelete: true, store.KindRestore: true}
	allowedTargets = map[string]bool{store.TargetItem: true, store.TargetProject: true}
)

// ItemPayload is the proposed state of an item.
type ItemPayload struct {
	Code         string          `json:"code" validate:"required,max=64"`
	Type         string          `json:"type" validate:"required,max=64"`
	Title        string          `json:"title" validate:"required,max=300"`
	Content      json.RawMessage `json:"content,omitempty"`
	RelatedCodes []string        `json:"relatedCodes" validate:"omitempty,max=100,dive,required"`
}

func (p *ItemPayload) Normalize() {
	p.Code = strings.ToUpper(strings.TrimSpace(p.Code))
	p.Type = strings.ToLower(strings.TrimSpace(p.Type))
	p.Title = strings.TrimSpace(p.Title)
	p.Content = rawOrEmptyObject(p.Content)
	codes := make([]string, 0, len(p.RelatedCodes))
	seen := make(map[string]bool, len(p.RelatedCodes))
	for _, code := range p.RelatedCodes {
		code = strings.ToUpper(strings.TrimSpace(code))
		if seen[code] {
			continue
		}
		seen[code] = true
		codes = append(codes, code)
	}
	sort.Strings(codes)
	p.RelatedCodes = codes
}

// ProjectPayload is the proposed state of a project.
type ProjectPayload struct {
	Name       string `json:"name" validate:"required,max=200"`
	CodePrefix string `json:"codePrefix" validate:"required"`
}

func (p *ProjectPayload) Normalize() {
	p.Name = strings.TrimSpace(p.Name)
	p.CodePrefix = strings.ToUpper(strings.TrimSpace(p.CodePrefix))
}

// proposal is a change request resolved against current state.
type proposal struct {
	kind    string
	target  string
	project store.Project
	// item is the existing item for UPDATE, DELETE and RESTORE.
	item *store.Item
	// related holds the current related codes of item.
	related     []string
	itemPayload ItemPayload
	projectData ProjectPayload
}

func itemPayloadOf(item store.Item, related []string) ItemPayload {
	codes := append([]string{}, related...)
	sort.Strings(codes)
	return ItemPayload{
		Code:         item.Code,
		Type:         item.Type,
		Title:        item.Title,
		Content:      rawOrEmptyObject(item.Content),
		RelatedCodes: codes,
	}
}

func decodeStrict(raw []byte, target any) error {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return err
	}
	if decoder.More() {
		return errors.New("trailing data after payload")
	}
	return nil
}

func checkStruct(value any) error {
	err := validate.Struct(value)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return validationError(err.Error(), nil)
	}
	fields := make(map[string]string, len(fieldErrs))
	for _, fieldErr := range fieldErrs {
		fields[fieldErr.Field()] = fieldErr.Tag()
	}
	return validationError("payload failed validation", map[string]any{"fields": fields})
}

// mergePayload returns the proposed document for an UPDATE. FULL replaces the
// current document; PATCH applies an RFC 6902 patch to it.
func mergePayload(current any, raw json.RawMessage, mode string) ([]byte, error) {
	if mode != store.PayloadPatch {
		return raw, nil
	}
	before, err := json.Marshal(current)
	if err != nil {
		return nil, fmt.Errorf("marshal current state: %w", err)
	}
	patch, err := jsonpatch.DecodePatch(raw)
	if err != nil {
		return nil, validationError("payload is not a valid JSON patch", map[string]any{"reason": err.Error()})
	}
	after, err := patch.Apply(before)
	if err != nil {
		return nil, validationError("JSON patch does not apply to the current state", map[string]any{"reason": err.Error()})
	}
	return after, nil
}

func normalizeMode(mode string) string {
	mode = strings.ToUpper(strings.TrimSpace(mode))
	if mode == "" {
		return store.PayloadFull
	}
	return mode
}

// resolveProposal validates request against the current state of repo.
func (s *Service) resolveProposal(ctx context.Context, repo store.Repository, request store.ChangeRequest) (proposal, error) {
	p := proposal{kind: request.Kind, target: request.TargetType}
	if !allowedKinds[request.Kind] {
		return p, validationError("kind must be one of CREATE, UPDATE, DELETE, RESTORE", nil)
	}
	if !allowedTargets[request.TargetType] {
		return p, validationError("targetType must be ITEM or PROJECT", nil)
	}
	switch request.PayloadMode {
	case store.PayloadFull:
	case store.PayloadPatch:
		if request.Kind != store.KindUpdate {
			return p, validationError("PATCH payloads are only accepted for UPDATE", nil)
		}
	default:
		return p, validationError("payloadMode must be FULL or PATCH", nil)
	}
	if request.TargetType == store.TargetProject {
		return s.resolveProjectProposal(ctx, repo, request, p)
	}
	return s.resolveItemProposal(ctx, repo, request, p)
}

func (s *Service) resolveItemProposal(ctx context.Context, repo store.Repository, request store.ChangeRequest, p proposal) (proposal, error) {
	if request.Kind == store.KindCreate {
		if request.ItemID != nil {
			return p, validationError("itemId must be empty for CREATE", nil)
		}
	} else {
		if deref(request.ItemID) == "" {
			return p, validationError("itemId is required", nil)
		}
		item, err := repo.GetItem(ctx, *request.ItemID)
		if errors.Is(err, sql.ErrNoRows) {
			return p, notFound("item not found")
		}
		if err != nil {
			return p, err
		}
		if request.ProjectID != "" && request.ProjectID != item.ProjectID {
			return p, validationError("item does not belong to project", nil)
		}
		request.ProjectID = item.ProjectID
		p.item = &item
	}

	project, err := loadLiveProject(ctx, repo, request.ProjectID)
	if err != nil {
		return p, err
	}
	p.project = project

	if p.item != nil {
		related, err := repo.ListRelatedItems(ctx, p.item.ID)
		if err != nil {
			return p, err
		}
		for _, other := range related {
			p.related = append(p.related, other.Code)
		}
	}

	switch request.Kind {
	case store.KindDelete:
		if p.item.IsDeleted {
			return p, validationError("item is already deleted", nil)
		}
		return p, nil
	case store.KindRestore:
		if !p.item.IsDeleted {
			return p, validationError("item is not deleted", nil)
		}
		if _, err := repo.GetLiveItemByCode(ctx, project.ID, p.item.Code); err == nil {
			return p, validationError("code is in use by a live item", map[string]any{"code": p.item.Code})
		} else if !errors.Is(err, sql.ErrNoRows) {
			return p, err
		}
		return p, nil
	case store.KindUpdate:
		if p.item.IsDeleted {
			return p, validationError("item is deleted", nil)
		}
	}

	raw := []byte(request.Payload)
	if request.Kind == store.KindUpdate {
		raw, err = mergePayload(itemPayloadOf(*p.item, p.related), request.Payload, request.PayloadMode)
		if err != nil {
			return p, err
		}
	}
	var payload ItemPayload
	if err := decodeStrict(raw, &payload); err != nil {
		return p, validationError("payload is malformed", map[string]any{"reason": err.Error()})
	}
	payload.Normalize()
	if err := checkStruct(&payload); err != nil {
		return p, err
	}
	if err := s.checkItemPayload(ctx, repo, project, p.item, payload); err != nil {
		return p, err
	}
	p.itemPayload = payload
	return p, nil
}

func (s *Service) checkItemPayload(ctx context.Context, repo store.Repository, project store.Project, existing *store.Item, payload ItemPayload) error {
	if !codePattern.MatchString(payload.Code) {
		return validationError("code must look like PREFIX-1 or PREFIX-1-2", map[string]any{"code": payload.Code})
	}
	if !strings.HasPrefix(payload.Code, project.CodePrefix+"-") {
		return validationError("code prefix does not match project", map[string]any{"code": payload.Code, "expectedPrefix": project.CodePrefix})
	}
	var content map[string]any
	if err := json.Unmarshal(payload.Content, &content); err != nil {
		return validationError("content must be a JSON object", nil)
	}

	holder, err := repo.GetLiveItemByCode(ctx, project.ID, payload.Code)
	switch {
	case err == nil && (existing == nil || holder.ID != existing.ID):
		return validationError("code is in use by a live item", map[string]any{"code": payload.Code})
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return err
	}

	if parent := parentCode(payload.Code); parent != project.CodePrefix {
		if _, err := repo.GetLiveItemByCode(ctx, project.ID, parent); errors.Is(err, sql.ErrNoRows) {
			return validationError("parent item does not exist", map[string]any{"parent": parent})
		} else if err != nil {
			return err
		}
	}

	for _, code := range payload.RelatedCodes {
		if code == payload.Code {
			return validationError("an item cannot be related to itself", map[string]any{"code": code})
		}
		if _, err := repo.GetLiveItemByCode(ctx, project.ID, code); errors.Is(err, sql.ErrNoRows) {
			return validationError("related item does not exist", map[string]any{"code": code})
		} else if err != nil {
			return err
		}
	}
	return nil
}

func parentCode(code string) string {
	idx := strings.LastIndex(code, "-")
	if idx < 0 {
		return code
	}
	return code[:idx]
}

func (s *Service) resolveProjectProposal(ctx context.Context, repo store.Repository, request store.ChangeRequest, p proposal) (proposal, error) {
	if request.ItemID != nil {
		return p, validationError("itemId must be empty for project requests", nil)
	}
	if request.Kind == store.KindRestore {
		return p, validationError("projects cannot be restored", nil)
	}
	if request.Kind != store.KindCreate {
		project, err := loadLiveProject(ctx, repo, request.ProjectID)
		if err != nil {
			return p, err
		}
		p.project = project
	}

	if request.Kind == store.KindDelete {
		items, err := repo.ListItems(ctx, p.project.ID)
		if err != nil {
			return p, err
		}
		if len(items) > 0 {
			return p, validationError("project still has live items", map[string]any{"items": len(items)})
		}
		return p, nil
	}

	raw := []byte(request.Payload)
	if request.Kind == store.KindUpdate {
		var err error
		raw, err = mergePayload(ProjectPayload{Name: p.project.Name, CodePrefix: p.project.CodePrefix}, request.Payload, request.PayloadMode)
		if err != nil {
			return p, err
		}
	}
	var payload ProjectPayload
	if err := decodeStrict(raw, &payload); err != nil {
		return p, validationError("payload is malformed", map[string]any{"reason": err.Error()})
	}
	payload.Normalize()
	if err := checkStruct(&payload); err != nil {
		return p, err
	}
	if !prefixPattern.MatchString(payload.CodePrefix) {
		return p, validationError("codePrefix must be 2 to 6 upper-case letters", map[string]any{"codePrefix": payload.CodePrefix})
	}
	if request.Kind == store.KindUpdate && payload.CodePrefix != p.project.CodePrefix {
		items, err := repo.ListItems(ctx, p.project.ID)
		if err != nil {
			return p, err
		}
		if len(items) > 0 {
			return p, validationError("codePrefix cannot change while the project has live items", nil)
		}
	}
	projects, err := repo.ListProjects(ctx)
	if err != nil {
		return p, err
	}
	for _, other := range projects {
		if other.CodePrefix == payload.CodePrefix && other.ID != p.project.ID {
			return p, validationError("codePrefix is in use", map[string]any{"codePrefix": payload.CodePrefix})
		}
	}
	p.projectData = payload
	return p, nil
}

func loadLiveProject(ctx context.Context, repo store.Repository, projectID string) (store.Project, error) {
	if strings.TrimSpace(projectID) == "" {
		return store.Project{}, validationError("projectId is required", nil)
	}
	project, err := repo.GetProject(ctx, projectID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && project.IsDeleted) {
		return store.Project{}, notFound("project not found")
	}
	return project, err
}
