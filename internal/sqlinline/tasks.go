package sqlinline

const QEnsureTaskHistory = `--sql 666e183f-f612-4578-a005-8ab52400609d
create table if not exists render_tasks (
    id uuid primary key,
    session_id text not null,
    prompt text not null,
    origin text not null default '',
    state text not null,
    total_outputs int not null,
    outputs_per_job int not null,
    seed bigint not null,
    random_seed boolean not null,
    output_format text not null,
    config text not null default '',
    summary text not null default '',
    created_at timestamptz not null,
    finished_at timestamptz
);
`

const QInsertTask = `--sql f20093d3-668e-48b7-b0a7-23552a371b04
insert into render_tasks(id, session_id, prompt, origin, state, total_outputs, outputs_per_job, seed, random_seed, output_format, config, created_at)
values ($1::uuid, $2::text, $3::text, $4::text, $5::text, $6::int, $7::int, $8::bigint, $9::boolean, $10::text, $11::text, $12::timestamptz)
on conflict (id) do nothing;
`

const QFinishTask = `--sql 4b005d1f-f8c9-42af-8609-784356afd5c7
update render_tasks
set state = $2::text,
    summary = $3::text,
    finished_at = $4::timestamptz
where id = $1::uuid;
`

const QListRecentTasks = `--sql cb84a143-72f3-4e6e-88bd-ac40858c0a5e
select id::text, prompt, origin, state, total_outputs, seed, summary, created_at, finished_at
from render_tasks
order by created_at desc
limit $1::int;
`
