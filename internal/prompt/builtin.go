package prompt

// AnalyzeTemplate is the name of the failure analysis template.
const AnalyzeTemplate = "analyze.md"

// builtinTemplates maps template filename to content.
var builtinTemplates = map[string]string{
	AnalyzeTemplate: analyzeTemplate,
}

const analyzeTemplate = `# Deployment failure: {{project_name}}

A deployment of {{repo}} (branch {{base_branch}}) failed. Find the root cause
in the source code and propose the smallest change that makes the build pass.
This is attempt {{attempt}} of {{max_retries}}.

## Error signature
{{error_signature}}

## Build log
` + "```" + `
{{logs}}
` + "```" + `
{{#if context_files}}

## Referenced source files
{{context_files}}
{{/if}}


## Previous attempts
{{#if prior_attempts}}
These fixes were already deployed and did not work. Do not propose them again.
{{prior_attempts}}
{{else}}
None. This is the first fix proposed for this failure.
{{/if}}
{{#if instructions}}

## Project notes
{{instructions}}
{{/if}}

## Response format
Reply with a single JSON object and nothing else:

` + "```json" + `
{
  "root_cause": "one sentence",
  "explanation": "what the change does and why it fixes the build",
  "files_to_change": [
    {
      "filename": "path/relative/to/repo",
      "prior_snippet": "the exact lines being replaced",
      "new_content": "the COMPLETE new content of the file"
    }
  ]
}
` + "```" + `

Rules:
- new_content is the whole file, never a diff or a fragment.
- Only change files that are needed for the build to pass.
- If the failure cannot be fixed in code (missing secrets, quota, permissions),
  return an empty files_to_change list and say so in root_cause.
`
