package config

// Default prompt templates. Kept deliberately terse: prompt quality is the
// operator's concern and these are overridable via the config file. The
// orchestrator supplies the named fields; the tool surface URL and
// hypothesis id reach the agent through environment variables.

const defaultReproTemplate = `You are debugging the following problem:

{{.Problem}}

Work inside the current repository. Reproduce the failure. When finished,
report a reproduction result by POSTing JSON to
$HYPOFORGE_TOOL_URL/tools/repro/report with fields: tag (one of Success,
NeedMoreInfo, Failure), signature, command, steps, notes, questions.
If you are missing information required to reproduce, use tag NeedMoreInfo
and list precise questions.
{{if .Answers}}
The operator answered your previous questions:
{{range .Answers}}- {{.}}
{{end}}{{end}}`

const defaultGenerationTemplate = `You are debugging the following problem:

{{.Problem}}

The failure has been reproduced. Failure signature:

{{.Signature}}

Propose up to {{.MaxHypotheses}} distinct root-cause hypotheses. Write them
as a JSON array of objects with fields "title", "description", "rationale"
to stdout. Titles must be short noun phrases; descriptions must name the
suspected code path.`

const defaultTestingTemplate = `You are testing one root-cause hypothesis for this problem:

{{.Problem}}

Hypothesis {{.HypothesisID}}: {{.Title}}

{{.Description}}

Reproduction signature:

{{.Signature}}

Work inside the current worktree; it is yours alone. Investigate whether
this hypothesis explains the failure. You must report a final verdict by
POSTing JSON to $HYPOFORGE_TOOL_URL/tools/hypothesis/report with fields:
hypothesis_id (set to "{{.HypothesisID}}"), tag (Proven, Disproven, or
Inconclusive), reason, evidence (list of strings). You may stash notes via
the key-value tools under $HYPOFORGE_TOOL_URL/tools/kv/.`
