package vision

import (
	"fmt"
	"time"
)

// userInstruction は画像と一緒に送るユーザー指示です。
const userInstruction = "Please extract all information from this image, being especially careful with checkboxes and form fields. If you're unsure about any information, indicate that clearly."

const systemPromptTemplate = `
The current date is: %s.
You are an expert document and form extractor at a law firm.
Your job is to meticulously extract all the information from this image.

For every field you extract:
1. Note if this is filled out in handwritten form or typed
2. For checkboxes:
   - Mark [X] ONLY when you are certain the box is checked (contains clear marks, X, or checkmark)
   - Mark [ ] when the box is clearly empty
   - If you're unsure about a checkbox status, note "(Status unclear)"

3. For text and numbers:
   - Extract exactly as they appear, preserving original formatting
   - If text is unclear, mark as "(Unclear: possible text)"
   - For empty fields, mark as "[Field is blank]"
   - For unreadable fields, mark as "(Unreadable)"

4. Form Structure:
   - Maintain exact form section headers and numbering
   - Include all field labels exactly as they appear
   - Preserve the hierarchy of sections

DO NOT:
- Guess or infer information that isn't clearly visible
- Mark checkboxes as checked unless you're absolutely certain
- Modify or "correct" any information - extract exactly as shown

Output Markdown only, starting with "**Document Name:**" followed by "**Extracted Information:**".
`

const reformatPrompt = `Please reformat this form content into clear, well-structured markdown.
Requirements:
1. Preserve all form fields, instructions, and text
2. Show all checkboxes ([X] for selected, [ ] for unselected)
3. Maintain proper spacing and hierarchy
4. Keep section numbering and titles
5. Format instructions in italics
6. Group related fields together
7. Make it highly readable
8. INCLUDE EVERYTHING FROM THE ORIGINAL MARKDOWN - all check boxes and info should be included, even fields that were not filled out should be present.
9. include the page numbers on every top page.

Original form content:
`

// SystemPrompt は抽出用のシステムプロンプトを返します。日付は MM/DD/YYYY 形式で埋め込みます。
func SystemPrompt(now time.Time) string {
	return fmt.Sprintf(systemPromptTemplate, now.Format("01/02/2006"))
}

// ReformatPrompt はレイアウト抽出結果を整形させるためのプロンプトを返します。
func ReformatPrompt(content string) string {
	return reformatPrompt + content
}
