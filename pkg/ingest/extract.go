package ingest

import (
	"context"
	"fmt"
	"strings"

	"github.com/corvus-kb/corvus/pkg/ai"
	"github.com/corvus-kb/corvus/pkg/common"
	"github.com/corvus-kb/corvus/pkg/logger"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

type extractEntity struct {
	EntityName        string `json:"entity_name" jsonschema_description:"Name of the entity, all letters capitalized"`
	EntityType        string `json:"entity_type" jsonschema_description:"One of the provided entity types"`
	EntityDescription string `json:"entity_description" jsonschema_description:"Comprehensive description of the entity's attributes, activities and information provided by the source."`
}

type extractRelationship struct {
	SourceEntity         string  `json:"source_entity" jsonschema_description:"Name of the source entity, as identified in step 1"`
	TargetEntity         string  `json:"target_entity" jsonschema_description:"Name of the target entity, as identified in step 1"`
	RelationshipType     string  `json:"relationship_type" jsonschema_description:"One of the provided relationship types"`
	RelationshipStrength float64 `json:"relationship_strength" jsonschema_description:"A numeric score between 1 and 10 indicating strength of the relationship between the source entity and target entity"`
}

type extractResponse struct {
	Entities      []extractEntity       `json:"entities" jsonschema_description:"Entities identified in the text document"`
	Relationships []extractRelationship `json:"relationships" jsonschema_description:"Relationships identified in the text document"`
}

var relTypeNames = func() []string {
	types := []common.RelType{
		common.RelAuthoredBy, common.RelPublishedAt, common.RelCites,
		common.RelIntroduces, common.RelUsesMethod, common.RelReportsResult,
		common.RelRelatedTo, common.RelAppliedTo, common.RelAffiliatedWith,
		common.RelCollaboratesWith, common.RelDiscusses, common.RelDescribes,
	}
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return names
}()

func entityTypeNames() []string {
	names := make([]string, len(common.EntityTypes))
	for i, t := range common.EntityTypes {
		names[i] = string(t)
	}
	return names
}

// extractFromSection asks the extraction model for the entities and
// relationships of one section. Entities with unknown types are dropped
// with a warning; relationships with unknown types fall back to
// RELATED_TO so the edge is not lost.
func extractFromSection(
	ctx context.Context,
	sec common.Section,
	docTitle string,
	client ai.Client,
) ([]common.Entity, []common.Relationship, error) {
	systemPrompt := fmt.Sprintf(ai.ExtractPrompt,
		strings.Join(entityTypeNames(), ","),
		docTitle,
		strings.Join(relTypeNames, ","),
	)

	var res extractResponse
	err := client.GenerateCompletionWithFormat(
		ctx,
		"extract_entities_and_relationships",
		"Extract entities and relationships from a provided document section.",
		sec.Text,
		&res,
		ai.WithSystemPrompts(systemPrompt),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("extraction for section %s: %w", sec.ID, err)
	}
	if ctx.Err() != nil {
		return nil, nil, ctx.Err()
	}

	entities := make([]common.Entity, 0, len(res.Entities))
	for _, e := range res.Entities {
		name := strings.TrimSpace(e.EntityName)
		typ := common.EntityType(strings.ToUpper(strings.TrimSpace(e.EntityType)))
		if name == "" {
			continue
		}
		if !common.ValidEntityType(typ) {
			logger.Warn("[Ingest][Extract] Dropping entity with unknown type",
				"name", name, "type", e.EntityType, "section", sec.ID)
			continue
		}
		id, err := gonanoid.New()
		if err != nil {
			return nil, nil, err
		}
		entities = append(entities, common.Entity{
			ID:          id,
			Name:        name,
			Type:        typ,
			Description: strings.TrimSpace(e.EntityDescription),
		})
	}

	byName := make(map[string]string, len(entities))
	for _, e := range entities {
		byName[strings.ToLower(e.Name)] = e.ID
	}

	relations := make([]common.Relationship, 0, len(res.Relationships))
	for _, r := range res.Relationships {
		srcID, okSrc := byName[strings.ToLower(strings.TrimSpace(r.SourceEntity))]
		dstID, okDst := byName[strings.ToLower(strings.TrimSpace(r.TargetEntity))]
		if !okSrc || !okDst {
			logger.Warn("[Ingest][Extract] Dropping relationship with unknown endpoint",
				"source", r.SourceEntity, "target", r.TargetEntity, "section", sec.ID)
			continue
		}

		typ := common.RelType(strings.ToUpper(strings.TrimSpace(r.RelationshipType)))
		if !validRelType(typ) {
			logger.Warn("[Ingest][Extract] Unknown relationship type, using RELATED_TO",
				"type", r.RelationshipType, "section", sec.ID)
			typ = common.RelRelatedTo
		}

		weight := r.RelationshipStrength
		if weight < 1 {
			weight = 1
		}
		if weight > 10 {
			weight = 10
		}

		id, err := gonanoid.New()
		if err != nil {
			return nil, nil, err
		}
		relations = append(relations, common.Relationship{
			ID:         id,
			Type:       typ,
			SourceID:   srcID,
			TargetID:   dstID,
			Weight:     weight,
			SectionIDs: []string{sec.ID},
		})
	}
	return entities, relations, nil
}

func validRelType(t common.RelType) bool {
	for _, name := range relTypeNames {
		if string(t) == name {
			return true
		}
	}
	return false
}
