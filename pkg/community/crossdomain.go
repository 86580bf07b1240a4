package community

import (
	"context"
	"sort"

	"github.com/corvus-kb/corvus/pkg/common"
	"github.com/corvus-kb/corvus/pkg/store"
)

// Bridge is an entity whose provenance spans multiple document domains.
// Bridges are the most interesting nodes for cross-domain synthesis.
type Bridge struct {
	Entity  common.Entity
	Domains []string
}

const maxBridges = 20

// CrossDomainBridges reports entities whose supporting sections come
// from documents in at least two distinct domains, ordered by domain
// count descending then entity name.
func CrossDomainBridges(ctx context.Context, storage store.GraphStorage) ([]Bridge, error) {
	entities, err := storage.GetEntities(ctx)
	if err != nil {
		return nil, err
	}

	docDomain := make(map[string]string)
	var bridges []Bridge
	for _, entity := range entities {
		sections, err := storage.SectionsForEntities(ctx, []string{entity.ID})
		if err != nil {
			return nil, err
		}

		seen := make(map[string]bool)
		var domains []string
		for _, sec := range sections {
			domain, ok := docDomain[sec.DocumentID]
			if !ok {
				doc, err := storage.GetDocument(ctx, sec.DocumentID)
				if err != nil {
					return nil, err
				}
				domain = doc.Domain
				docDomain[sec.DocumentID] = domain
			}
			if domain == "" || seen[domain] {
				continue
			}
			seen[domain] = true
			domains = append(domains, domain)
		}
		if len(domains) < 2 {
			continue
		}
		sort.Strings(domains)
		bridges = append(bridges, Bridge{Entity: entity, Domains: domains})
	}

	sort.Slice(bridges, func(i, j int) bool {
		if len(bridges[i].Domains) != len(bridges[j].Domains) {
			return len(bridges[i].Domains) > len(bridges[j].Domains)
		}
		return bridges[i].Entity.Name < bridges[j].Entity.Name
	})
	if len(bridges) > maxBridges {
		bridges = bridges[:maxBridges]
	}
	return bridges, nil
}
