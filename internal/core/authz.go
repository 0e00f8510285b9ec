package core

import "fmt"

// AnyID разрешает любого субъекта источника.
const AnyID = "*"

// Subject описывает источник команды и идентификатор оператора.
type Subject struct {
	Source string
	ID     string
}

// Action описывает целевую операцию.
type Action struct {
	Module  string
	Command string
}

// Authorizer отвечает за решение доступа к действию.
type Authorizer interface {
	Authorize(subject Subject, action Action) error
}

// AllowlistAuthorizer реализует deny-by-default по source/id.
// Для модуля sync требуется отдельный список: маркер синхронизации
// двигает только слой репликации.
type AllowlistAuthorizer struct {
	allowed map[string]map[string]struct{}
	sync    map[string]struct{}
}

// NewAllowlistAuthorizer создает authorizer из map[source][]id.
// syncSubjects — операторы, которым разрешено подтверждать синхронизацию.
func NewAllowlistAuthorizer(src map[string][]string, syncSubjects ...string) *AllowlistAuthorizer {
	allowed := make(map[string]map[string]struct{}, len(src))
	for source, ids := range src {
		idSet := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			if id == "" {
				continue
			}
			idSet[id] = struct{}{}
		}
		allowed[source] = idSet
	}
	syncSet := make(map[string]struct{}, len(syncSubjects))
	for _, id := range syncSubjects {
		if id != "" {
			syncSet[id] = struct{}{}
		}
	}
	return &AllowlistAuthorizer{allowed: allowed, sync: syncSet}
}

// Authorize возвращает ошибку, если subject не в allowlist.
func (a *AllowlistAuthorizer) Authorize(subject Subject, action Action) error {
	if subject.Source == "" || subject.ID == "" {
		return fmt.Errorf("empty subject: %w", errInvalidArguments)
	}
	bySource, ok := a.allowed[subject.Source]
	if !ok {
		return fmt.Errorf("source %s is not allowed", subject.Source)
	}
	_, wildcard := bySource[AnyID]
	if _, ok := bySource[subject.ID]; !ok && !wildcard {
		return fmt.Errorf("subject %s/%s is not allowed", subject.Source, subject.ID)
	}
	if action.Module == "sync" && action.Command == "confirm" {
		if _, ok := a.sync[subject.ID]; !ok {
			return fmt.Errorf("subject %s/%s may not confirm sync", subject.Source, subject.ID)
		}
	}
	return nil
}
