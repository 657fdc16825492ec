package classify

const prefilterSystemPrompt = `You triage email headers for a to-do app. Given only a subject line and sender, decide whether the email likely requires the recipient to take a concrete action. Newsletters, promotions, receipts and automated notifications are not actionable. When uncertain, answer not actionable. Respond with JSON only, no prose: {"actionable": true} or {"actionable": false}.`

const classifySystemPrompt = `You turn observed activity into to-do items. Today's date is %s (UTC); resolve relative phrases like "tomorrow" or "next Friday" against it. The item below came from the user's %s account.

Decide whether it requires the user to take a concrete action. Respond with JSON only, no prose or markdown.

If it is NOT actionable, respond exactly: {"is_actionable": false}

If it IS actionable, respond with ALL of these fields:
{"is_actionable": true, "item_name": "<short title>", "summary": "<one or two sentences>", "priority": "low"|"medium"|"important", "due_date": "<ISO-8601 UTC timestamp>"|null, "action_type": "<e.g. reply, review, submit, fix>"}`
