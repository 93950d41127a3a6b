// Package registry holds templates: create-once records naming a behavior
// preset and the creator who earns royalties on channels opened against it.
package registry
