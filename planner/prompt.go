package planner

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/awesomeposter/flex/api"
	"github.com/awesomeposter/flex/capability"
	"github.com/awesomeposter/flex/facet"
	"github.com/awesomeposter/flex/plan"
	"github.com/awesomeposter/flex/run"
)

const (
	// maxPromptFacetRows caps the facet summary table.
	maxPromptFacetRows = 40
	// maxInputValueChars caps the serialized length of one envelope input.
	maxInputValueChars = 800
)

// draftSchema is the JSON Schema the model's draft must satisfy. It is also
// embedded verbatim into the system prompt so the model sees the exact
// structure it is validated against.
const draftSchema = `{
  "type": "object",
  "required": ["nodes"],
  "properties": {
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["stage"],
        "properties": {
          "stage": {"type": "string", "minLength": 1},
          "capabilityId": {"type": "string"},
          "kind": {"type": "string"},
          "inputFacets": {"type": "array", "items": {"type": "string"}},
          "outputFacets": {"type": "array", "items": {"type": "string"}},
          "rationale": {"type": "string"},
          "instructions": {"type": "string"},
          "status": {"type": "string"},
          "routing": {
            "type": "object",
            "required": ["when", "to"],
            "properties": {
              "when": {},
              "to": {"type": "string"},
              "elseTo": {"type": "string"}
            }
          },
          "derived": {"type": "boolean"},
          "label": {"type": "string"}
        },
        "additionalProperties": false
      }
    },
    "metadata": {"type": "object"}
  },
  "additionalProperties": false
}`

const plannerRules = `Rules:
- Emit exactly one JSON object matching the schema above. No prose, no fences.
- Every non-routing node must set capabilityId to a listed capability.
- Node inputFacets/outputFacets must be subsets of the capability's contract.
- The union of all outputFacets must cover every required output facet.
- Order nodes so a facet is produced before any node consumes it.
- Routing nodes branch on a JSON-Logic "when" condition over facet values.
- When a plan snapshot is provided, echo completed nodes verbatim and only
  edit pending ones.

Checklist before answering:
1. Each stage id is unique and non-empty.
2. Each capabilityId exists in the capability table.
3. Required output facets are all produced.
4. No facet is consumed before it is produced.`

type (
	// PromptInput collects everything the deterministic prompt assembly
	// reads. Equal inputs always yield byte-identical prompts.
	PromptInput struct {
		Envelope    *api.TaskEnvelope
		Crcs        capability.Crcs
		Catalog     *facet.Catalog
		RunContext  *run.Context
		Snapshot    *plan.Snapshot
		Diagnostics []Diagnostic
	}

	// Prompt is the assembled two-message planner prompt.
	Prompt struct {
		System         string
		User           string
		FacetRows      int
		CapabilityRows int
	}
)

// BuildPrompt assembles the system and user messages.
func BuildPrompt(in PromptInput) Prompt {
	facetRows := promptFacets(in)
	var system strings.Builder
	system.WriteString("You are a task planner for a capability-based orchestration engine.\n")
	system.WriteString("Produce a plan draft as JSON conforming to this schema:\n\n")
	system.WriteString(draftSchema)
	system.WriteString("\n\n## Facet catalog\n\n")
	system.WriteString("| Facet | Direction | Summary |\n|---|---|---|\n")
	for _, f := range facetRows {
		fmt.Fprintf(&system, "| %s | %s | %s |\n", f.Name, f.Direction, sanitizeCell(f.Summary))
	}
	system.WriteString("\n## Capabilities\n\n")
	system.WriteString("| Capability ID | Display Name | Kind | Input Facets | Output Facets | Reason Codes |\n|---|---|---|---|---|---|\n")
	for _, row := range in.Crcs.Rows {
		reasons := make([]string, 0, len(row.Reasons))
		for _, r := range row.Reasons {
			reasons = append(reasons, string(r))
		}
		fmt.Fprintf(&system, "| %s | %s | %s | %s | %s | %s |\n",
			row.Record.CapabilityID,
			sanitizeCell(row.Record.DisplayName),
			row.Record.Kind,
			strings.Join(row.Record.InputFacets, ", "),
			strings.Join(row.Record.OutputFacets, ", "),
			strings.Join(reasons, ", "))
	}
	system.WriteString("\n")
	system.WriteString(plannerRules)

	var user strings.Builder
	fmt.Fprintf(&user, "Objective: %s\n", in.Envelope.Objective)
	if len(in.Envelope.Policies.Planner) > 0 {
		user.WriteString("\nPlanning hints:\n")
		writeJSONSection(&user, in.Envelope.Policies.Planner)
	}
	if len(in.Envelope.Policies.Runtime) > 0 {
		user.WriteString("\nRuntime policies:\n")
		writeJSONSection(&user, in.Envelope.Policies.Runtime)
	}
	if len(in.Envelope.Inputs) > 0 {
		user.WriteString("\nInputs:\n")
		names := make([]string, 0, len(in.Envelope.Inputs))
		for name := range in.Envelope.Inputs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&user, "- %s: %s\n", name, truncateValue(in.Envelope.Inputs[name]))
		}
	}
	if len(in.Envelope.SpecialInstructions) > 0 {
		user.WriteString("\nSpecial instructions:\n")
		for _, si := range in.Envelope.SpecialInstructions {
			fmt.Fprintf(&user, "- %s\n", si)
		}
	}
	user.WriteString("\nOutput contract:\n")
	writeJSONSection(&user, in.Envelope.OutputContract)
	if in.RunContext != nil {
		if facets := in.RunContext.Snapshot().Facets; len(facets) > 0 {
			user.WriteString("\nRun context facets:\n")
			names := make([]string, 0, len(facets))
			for name := range facets {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(&user, "- %s (from %s): %s\n",
					name, facets[name].Provenance.NodeID, truncateValue(facets[name].Value))
			}
		}
		if cls := in.RunContext.Clarifications(); len(cls) > 0 {
			user.WriteString("\nClarifications:\n")
			for _, cl := range cls {
				fmt.Fprintf(&user, "- Q: %s A: %s\n", cl.Question, cl.Answer)
			}
		}
	}
	if in.Snapshot != nil {
		fmt.Fprintf(&user, "\nExisting plan snapshot (version %d). Completed nodes must be preserved verbatim; the new version must be greater:\n", in.Snapshot.PlanVersion)
		writeJSONSection(&user, snapshotForPrompt(in.Snapshot))
	}
	if len(in.Diagnostics) > 0 {
		user.WriteString("\nYour previous draft was rejected. Fix these diagnostics:\n")
		for _, d := range in.Diagnostics {
			fmt.Fprintf(&user, "- [%s] %s\n", d.Code, d.Message)
		}
	}
	user.WriteString("\nRespond with the plan draft JSON only. Re-check the checklist before answering.")

	return Prompt{
		System:         system.String(),
		User:           user.String(),
		FacetRows:      len(facetRows),
		CapabilityRows: len(in.Crcs.Rows),
	}
}

// promptFacets selects the facet rows for the system prompt: the facets
// reachable backwards from the envelope's required output facets over the
// candidate capabilities, in catalog order, capped at maxPromptFacetRows.
func promptFacets(in PromptInput) []facet.Facet {
	required := in.Envelope.OutputContract.RequiredFacets()
	relevant := make(map[string]bool)
	if len(required) == 0 {
		for _, row := range in.Crcs.Rows {
			for _, name := range row.Record.InputFacets {
				relevant[name] = true
			}
			for _, name := range row.Record.OutputFacets {
				relevant[name] = true
			}
		}
	} else {
		queue := append([]string(nil), required...)
		for _, name := range queue {
			relevant[name] = true
		}
		for len(queue) > 0 {
			target := queue[0]
			queue = queue[1:]
			for _, row := range in.Crcs.Rows {
				if !containsName(row.Record.OutputFacets, target) {
					continue
				}
				for _, inName := range row.Record.InputFacets {
					if !relevant[inName] {
						relevant[inName] = true
						queue = append(queue, inName)
					}
				}
			}
		}
	}
	var rows []facet.Facet
	for _, f := range in.Catalog.List() {
		if !relevant[f.Name] {
			continue
		}
		rows = append(rows, f)
		if len(rows) == maxPromptFacetRows {
			break
		}
	}
	return rows
}

// snapshotForPrompt strips bulky fields the model does not need.
func snapshotForPrompt(snap *plan.Snapshot) map[string]any {
	nodes := make([]map[string]any, 0, len(snap.Nodes))
	for _, n := range snap.Nodes {
		node := map[string]any{
			"stage":  n.ID,
			"status": string(n.Status),
		}
		if n.CapabilityID != "" {
			node["capabilityId"] = n.CapabilityID
		}
		if len(n.Facets.Input) > 0 {
			node["inputFacets"] = n.Facets.Input
		}
		if len(n.Facets.Output) > 0 {
			node["outputFacets"] = n.Facets.Output
		}
		if n.Rationale != "" {
			node["rationale"] = n.Rationale
		}
		if n.Routing != nil {
			node["routing"] = n.Routing
		}
		nodes = append(nodes, node)
	}
	return map[string]any{
		"planVersion": snap.PlanVersion,
		"nodes":       nodes,
	}
}

func writeJSONSection(b *strings.Builder, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(b, "%v\n", v)
		return
	}
	b.Write(data)
	b.WriteString("\n")
}

func truncateValue(v any) string {
	var text string
	switch t := v.(type) {
	case string:
		text = t
	default:
		data, err := json.Marshal(v)
		if err != nil {
			text = fmt.Sprint(v)
		} else {
			text = string(data)
		}
	}
	if len(text) > maxInputValueChars {
		return text[:maxInputValueChars] + "..."
	}
	return text
}

func sanitizeCell(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "\n", " "), "|", "/")
}

func containsName(names []string, want string) bool {
	for _, n := range names {
		if n == want {
			return true
		}
	}
	return false
}
