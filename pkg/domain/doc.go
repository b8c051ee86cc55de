// Package domain defines the core types of the orchestration engine: workflow
// graphs, their plain-record definitions, node and workflow statuses, tenant
// tiers and the error taxonomy.
//
// This package depends only on the Go standard library. Infrastructure
// packages (engine, governor, storage, events) import it; it never imports
// them:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
