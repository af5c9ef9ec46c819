package pipeline

import (
	"fmt"
	"strings"

	"github.com/fentz26/quizpilot/internal/models"
)

const generateTemplate = `You must produce ONLY valid Python 3 code inside a single ` + "```python ... ```" + ` block.
No explanation. No placeholders. No TODOs.

Rules:
1. The variable starturl is already defined and holds the quiz page URL: %s
2. Use an async client for every request:
       async with httpx.AsyncClient() as client:
3. Fetch the quiz page with:
       response = await client.get(starturl)
4. Derive the submit URL from the page content. If the page only shows a path
   such as /submit, join it with the origin of response.url.
5. Compute the correct answer from the page content.
6. Post the answer with await client.post(submit_url, json=payload) where payload is EXACTLY:
       {
           "email": os.environ["QUIZ_EMAIL"],
           "secret": os.environ["QUIZ_SECRET"],
           "url": starturl,
           "answer": <computed answer>
       }
7. Print the JSON body of the POST response on a single line with print(json.dumps(...)).
8. Define async def main() containing all of the above. Do NOT call main() yourself.
9. Never write placeholder strings such as "<quiz url>" or "<submit url>".

Return ONLY:

` + "```python\n# code here\n```\n"

const improveTemplate = `The program below was run against %s and the answer was rejected.

Reason given by the server: %s

Previous program:
` + "```python\n%s\n```" + `

Write a corrected program. All earlier rules still apply:

%s`

// GeneratePrompt builds the first-attempt prompt for a target.
func GeneratePrompt(task models.Task) string {
	return fmt.Sprintf(generateTemplate, task.URL)
}

// ImprovePrompt asks for a corrected program after a wrong answer.
func ImprovePrompt(task models.Task, previous, reason string) string {
	if strings.TrimSpace(reason) == "" {
		reason = "(none)"
	}
	return fmt.Sprintf(improveTemplate, task.URL, reason, strings.TrimSpace(previous), GeneratePrompt(task))
}
