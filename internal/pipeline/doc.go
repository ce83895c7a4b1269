// Package pipeline defines the shared data model and collaborator contracts
// for the crawl pipeline engine: work items flowing between stages, the
// producer/processor/sink boundary each stage plugs into, and the small
// infrastructure interfaces (clock, id generation) injected everywhere.
package pipeline
